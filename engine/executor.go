package engine

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/guileen/litepool/engine/errors"
	"github.com/guileen/litepool/storage"
)

const keySep = 0x00

// Key layout:
//
//	d <ns> 0x00 <db> 0x00 <table>            table definition
//	r <ns> 0x00 <db> 0x00 <table> 0x00 <id>  record
func scopePrefix(kind byte, ns, db string) []byte {
	key := make([]byte, 0, 3+len(ns)+len(db))
	key = append(key, kind)
	key = append(key, ns...)
	key = append(key, keySep)
	key = append(key, db...)
	key = append(key, keySep)
	return key
}

func tableKey(ns, db, table string) []byte {
	return append(scopePrefix('d', ns, db), table...)
}

func recordPrefix(ns, db, table string) []byte {
	return append(append(scopePrefix('r', ns, db), table...), keySep)
}

type tableDefinition struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// execution carries the mutable state of one Execute call. USE, LET and
// OPTION only affect the statements that follow them in the same call.
type execution struct {
	kv      *storage.KV
	session Session
	vars    Vars
	lets    map[string]Value
	strict  bool
}

func newExecution(kv *storage.KV, session Session, vars Vars, strict bool) *execution {
	return &execution{
		kv:      kv,
		session: session,
		vars:    vars,
		lets:    make(map[string]Value),
		strict:  strict,
	}
}

func (x *execution) run(ctx context.Context, stmt statement) ([]Value, error) {
	switch stmt.kind {
	case stmtSelect:
		if stmt.source.kind == operandTable {
			return x.selectTable(ctx, stmt.source.name)
		}
		v, err := x.resolve(stmt.source)
		if err != nil {
			return nil, err
		}
		if list, ok := v.([]any); ok {
			return list, nil
		}
		return []Value{v}, nil

	case stmtReturn:
		v, err := x.resolve(stmt.source)
		if err != nil {
			return nil, err
		}
		return []Value{v}, nil

	case stmtLet:
		v, err := x.resolve(stmt.source)
		if err != nil {
			return nil, err
		}
		x.lets[stmt.name] = v
		return []Value{}, nil

	case stmtUse:
		if stmt.ns != nil {
			x.session.Namespace = *stmt.ns
		}
		if stmt.db != nil {
			x.session.Database = *stmt.db
		}
		return []Value{}, nil

	case stmtOption:
		x.strict = stmt.strict
		return []Value{}, nil

	case stmtCreate:
		return x.create(ctx, stmt.table, stmt.content)

	case stmtDelete:
		if err := x.requireTable(ctx, "delete", stmt.table); err != nil {
			return nil, err
		}
		if err := x.kv.DeletePrefix(ctx, recordPrefix(x.session.Namespace, x.session.Database, stmt.table)); err != nil {
			return nil, err
		}
		return []Value{}, nil

	case stmtDefineTable:
		if err := x.requireScope("define"); err != nil {
			return nil, err
		}
		if err := x.defineTable(ctx, stmt.table); err != nil {
			return nil, err
		}
		return []Value{}, nil

	case stmtInfo:
		return x.info(ctx)
	}
	return nil, errors.NewQueryErrorf("execute", "unsupported statement %s", stmt.kind)
}

// resolve evaluates a literal or parameter. Parameter lookup order is LET
// bindings, call variables, then session parameters.
func (x *execution) resolve(op operand) (Value, error) {
	if op.kind != operandParam {
		return op.value, nil
	}
	if v, ok := x.lets[op.name]; ok {
		return v, nil
	}
	if v, ok := x.vars[op.name]; ok {
		return v, nil
	}
	if v, ok := x.session.Params[op.name]; ok {
		return v, nil
	}
	if x.strict {
		return nil, errors.NewQueryErrorf("resolve", "unknown parameter $%s", op.name)
	}
	return nil, nil
}

func (x *execution) requireScope(op string) error {
	if !x.strict {
		return nil
	}
	if x.session.Namespace == "" {
		return errors.NewQueryErrorf(op, "specify a namespace to use")
	}
	if x.session.Database == "" {
		return errors.NewQueryErrorf(op, "specify a database to use")
	}
	return nil
}

func (x *execution) tableExists(ctx context.Context, table string) (bool, error) {
	_, err := x.kv.Get(ctx, tableKey(x.session.Namespace, x.session.Database, table))
	if storage.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// requireTable checks the scope and, in strict mode, that table is defined.
func (x *execution) requireTable(ctx context.Context, op, table string) error {
	if err := x.requireScope(op); err != nil {
		return err
	}
	if !x.strict {
		return nil
	}
	ok, err := x.tableExists(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewQueryErrorf(op, "table '%s' does not exist", table)
	}
	return nil
}

func (x *execution) defineTable(ctx context.Context, table string) error {
	ok, err := x.tableExists(ctx, table)
	if err != nil || ok {
		return err
	}
	data, err := json.Marshal(tableDefinition{Name: table, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return x.kv.Set(ctx, tableKey(x.session.Namespace, x.session.Database, table), data)
}

func (x *execution) create(ctx context.Context, table string, content map[string]any) ([]Value, error) {
	if err := x.requireTable(ctx, "create", table); err != nil {
		return nil, err
	}
	if !x.strict {
		if err := x.defineTable(ctx, table); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	record := make(map[string]any, len(content)+1)
	for k, v := range content {
		record[k] = v
	}
	record["id"] = table + ":" + id

	data, err := json.Marshal(record)
	if err != nil {
		return nil, errors.NewQueryErrorf("create", "encode record: %v", err)
	}
	key := append(recordPrefix(x.session.Namespace, x.session.Database, table), id...)
	if err := x.kv.Set(ctx, key, data); err != nil {
		return nil, err
	}
	return []Value{record}, nil
}

func (x *execution) selectTable(ctx context.Context, table string) ([]Value, error) {
	if err := x.requireTable(ctx, "select", table); err != nil {
		return nil, err
	}

	records := []Value{}
	err := x.kv.Scan(ctx, recordPrefix(x.session.Namespace, x.session.Database, table), func(key, value []byte) error {
		var record map[string]any
		if err := json.Unmarshal(value, &record); err != nil {
			return errors.NewQueryErrorf("select", "decode record %q: %v", key, err)
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (x *execution) info(ctx context.Context) ([]Value, error) {
	if err := x.requireScope("info"); err != nil {
		return nil, err
	}
	prefix := scopePrefix('d', x.session.Namespace, x.session.Database)
	tables := []any{}
	err := x.kv.Scan(ctx, prefix, func(key, value []byte) error {
		name := key[len(prefix):]
		if bytes.IndexByte(name, keySep) < 0 {
			tables = append(tables, string(name))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []Value{map[string]any{"tables": tables}}, nil
}

// isFatal reports errors that abort the whole call instead of failing one statement.
func isFatal(err error) bool {
	return stderrors.Is(err, storage.ErrClosed) ||
		stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, context.DeadlineExceeded)
}
