package contentstream

import (
	"encoding/json"

	"github.com/tsawler/pagestream/core"
)

// MarshalJSON writes the operation as {"fn", "args", "image"}. Names and
// numbers become JSON strings and numbers; strings are byte strings and
// travel as base64; references become "NR" keys.
func (op Operation) MarshalJSON() ([]byte, error) {
	type wire struct {
		Fn    string `json:"fn"`
		Args  []any  `json:"args"`
		Image *struct {
			Dict map[string]any `json:"dict"`
			Data []byte         `json:"data"`
		} `json:"image,omitempty"`
	}
	w := wire{Fn: op.Operator, Args: make([]any, len(op.Operands))}
	for i, o := range op.Operands {
		w.Args[i] = Value(o)
	}
	if op.Image != nil {
		w.Image = &struct {
			Dict map[string]any `json:"dict"`
			Data []byte         `json:"data"`
		}{Dict: Value(op.Image.Dict).(map[string]any), Data: op.Image.Data}
	}
	return json.Marshal(w)
}

// Value converts an operand into plain Go values for encoding.
func Value(obj core.Object) any {
	switch v := obj.(type) {
	case nil, core.Null:
		return nil
	case core.Bool:
		return bool(v)
	case core.Int:
		return int64(v)
	case core.Real:
		return float64(v)
	case core.Name:
		return string(v)
	case core.String:
		return []byte(v)
	case core.IndirectRef:
		return v.Key()
	case core.Array:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Value(e)
		}
		return out
	case core.Dict:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = Value(e)
		}
		return out
	case *core.Stream:
		return Value(v.Dict)
	}
	return obj.String()
}
