package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	nebula "github.com/vesoft-inc/nebula-go/v3"
	"go.uber.org/zap"

	"github.com/evergraph/evergraph/internal/types"
)

// NebulaConfig holds the connection settings for the backing store.
type NebulaConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Space    string
	// Sessions bounds concurrent statement execution.
	Sessions int
}

// nebulaRunner executes statements over a bounded pool of sessions.
// Sessions are not safe for concurrent use, so each Execute checks one
// out of the channel for the duration of the statement.
type nebulaRunner struct {
	pool     *nebula.ConnectionPool
	sessions chan *nebula.Session
	space    string
	log      *zap.Logger
}

// Dial connects to the store and prepares the session pool. USE <space>
// is issued per session once at checkout time via the space prefix on
// every statement batch.
func Dial(cfg NebulaConfig, log *zap.Logger) (Runner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Sessions <= 0 {
		cfg.Sessions = 4
	}

	hosts := []nebula.HostAddress{{Host: cfg.Host, Port: cfg.Port}}
	poolCfg := nebula.GetDefaultConf()
	poolCfg.MaxConnPoolSize = cfg.Sessions
	poolCfg.TimeOut = 30 * time.Second

	pool, err := nebula.NewConnectionPool(hosts, poolCfg, nebula.DefaultLogger{})
	if err != nil {
		return nil, types.Storef("connect %s:%d: %v", cfg.Host, cfg.Port, err)
	}

	sessions := make(chan *nebula.Session, cfg.Sessions)
	for i := 0; i < cfg.Sessions; i++ {
		sess, err := pool.GetSession(cfg.User, cfg.Password)
		if err != nil {
			pool.Close()
			return nil, types.Storef("open session: %v", err)
		}
		sessions <- sess
	}

	r := &nebulaRunner{pool: pool, sessions: sessions, space: cfg.Space, log: log}
	if err := r.ensureSpace(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// ensureSpace creates the graph space if absent and waits for it to come
// online. Space creation propagates asynchronously.
func (r *nebulaRunner) ensureSpace() error {
	sess := <-r.sessions
	defer func() { r.sessions <- sess }()

	create := fmt.Sprintf(
		"CREATE SPACE IF NOT EXISTS %s (partition_num = 10, replica_factor = 1, vid_type = FIXED_STRING(40))",
		r.space,
	)
	rs, err := sess.Execute(create)
	if err != nil {
		return types.Storef("create space %s: %v", r.space, err)
	}
	if !rs.IsSucceed() {
		return types.Storef("create space %s: %s", r.space, rs.GetErrorMsg())
	}
	time.Sleep(3 * time.Second)

	rs, err = sess.Execute("USE " + r.space)
	if err != nil {
		return types.Storef("use space %s: %v", r.space, err)
	}
	if !rs.IsSucceed() {
		return types.Storef("use space %s: %s", r.space, rs.GetErrorMsg())
	}
	return nil
}

// Execute runs one statement and decodes the result. The space is
// prefixed on every statement so it holds regardless of which session the
// checkout yields.
func (r *nebulaRunner) Execute(ctx context.Context, stmt string) (*Result, error) {
	var sess *nebula.Session
	select {
	case sess = <-r.sessions:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { r.sessions <- sess }()

	full := fmt.Sprintf("USE %s; %s", r.space, stmt)
	rs, err := sess.Execute(full)
	if err != nil {
		return nil, types.Storef("execute: %v", err)
	}
	if !rs.IsSucceed() {
		msg := rs.GetErrorMsg()
		if isConflictMsg(msg) {
			return nil, types.Conflictf("store rejected statement: %s", msg)
		}
		return nil, types.Storef("statement failed: %s", msg)
	}
	return decodeResultSet(rs)
}

// isConflictMsg matches the store's duplicate-object errors ("existed",
// "already exists") without catching the "not exist" family, which is a
// plain store error.
func isConflictMsg(msg string) bool {
	m := strings.ToLower(msg)
	if strings.Contains(m, "not exist") {
		return false
	}
	return strings.Contains(m, "existed") || strings.Contains(m, "already exist")
}

func (r *nebulaRunner) Close() {
	close(r.sessions)
	for sess := range r.sessions {
		sess.Release()
	}
	r.pool.Close()
}

// decodeResultSet converts a store-native result into the neutral model.
func decodeResultSet(rs *nebula.ResultSet) (*Result, error) {
	out := &Result{}
	cols := len(rs.GetColNames())
	for i := 0; i < rs.GetRowSize(); i++ {
		record, err := rs.GetRowValuesByIndex(i)
		if err != nil {
			return nil, types.Storef("read row %d: %v", i, err)
		}
		row := make(Row, 0, cols)
		for j := 0; j < cols; j++ {
			val, err := record.GetValueByIndex(j)
			if err != nil {
				return nil, types.Storef("read row %d col %d: %v", i, j, err)
			}
			row = append(row, convertValue(val))
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// convertValue maps one store value into the neutral model. Unset and
// explicit NULL both become logical null.
func convertValue(v *nebula.ValueWrapper) Value {
	switch {
	case v == nil || v.IsNull() || v.IsEmpty():
		return Null()
	case v.IsString():
		s, _ := v.AsString()
		return S(s)
	case v.IsInt():
		i, _ := v.AsInt()
		return I(i)
	case v.IsFloat():
		f, _ := v.AsFloat()
		return F(f)
	case v.IsBool():
		b, _ := v.AsBool()
		return B(b)
	default:
		// Datetime and anything else comes through the wrapper's literal
		// form; unparseable temporals decode as null rather than garbage.
		raw := strings.Trim(v.String(), `"`)
		if t, ok := parseStoreTime(raw); ok {
			return T(t)
		}
		return S(raw)
	}
}

var storeTimeLayouts = []string{
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05",
}

func parseStoreTime(raw string) (time.Time, bool) {
	raw = strings.TrimPrefix(raw, "utc datetime: ")
	if i := strings.Index(raw, ", timezoneOffset"); i >= 0 {
		raw = raw[:i]
	}
	for _, layout := range storeTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
