package dispatch

import (
	"github.com/tidwall/gjson"

	"github.com/wehubfusion/conduit/pkg/message"
)

// WellFormedJSON is a ValidResult predicate accepting replies that parse as
// JSON. Null replies are rejected.
func WellFormedJSON(msg *message.Message) bool {
	if msg == nil || msg.IsNull() {
		return false
	}
	data, err := msg.Bytes()
	if err != nil {
		return false
	}
	return gjson.ValidBytes(data)
}
