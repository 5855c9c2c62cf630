package registry

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Statement is the payload a client sends for a SQL replica
type Statement struct {
	SQL  string        `msgpack:"sql"`
	Args []interface{} `msgpack:"args,omitempty"`
}

// Rows is the value a SQL replica returns. Reads fill Columns and Rows,
// writes fill RowsAffected and LastInsertID.
type Rows struct {
	Columns      []string        `msgpack:"columns,omitempty"`
	Rows         [][]interface{} `msgpack:"rows,omitempty"`
	RowsAffected int64           `msgpack:"rows_affected"`
	LastInsertID int64           `msgpack:"last_insert_id,omitempty"`
}

// EncodeStatement builds a query payload
func EncodeStatement(sql string, args ...interface{}) ([]byte, error) {
	return msgpack.Marshal(&Statement{SQL: sql, Args: args})
}

// DecodeStatement parses a query payload. Decoded integer arguments are
// widened to int64 and floats to float64 so every driver accepts them.
func DecodeStatement(payload []byte) (*Statement, error) {
	var stmt Statement
	if err := msgpack.Unmarshal(payload, &stmt); err != nil {
		return nil, fmt.Errorf("malformed statement payload: %w", err)
	}
	if stmt.SQL == "" {
		return nil, fmt.Errorf("statement has no sql")
	}
	for i, arg := range stmt.Args {
		stmt.Args[i] = normalizeArg(arg)
	}
	return &stmt, nil
}

// EncodeRows builds a result value
func EncodeRows(rows *Rows) ([]byte, error) {
	return msgpack.Marshal(rows)
}

// DecodeRows parses a result value
func DecodeRows(value []byte) (*Rows, error) {
	var rows Rows
	if err := msgpack.Unmarshal(value, &rows); err != nil {
		return nil, fmt.Errorf("malformed rows value: %w", err)
	}
	return &rows, nil
}

func normalizeArg(v interface{}) interface{} {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case uint:
		return int64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// normalizeColumn converts driver values into msgpack friendly ones
func normalizeColumn(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
