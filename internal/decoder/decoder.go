// Package decoder turns an incoming WebSocket JSON frame into a tagged
// request variant understood by the rest of the proxy.
package decoder

import (
	"encoding/json"

	"github.com/crosswind-labs/pgproxy/internal/types"
)

// envelope is the superset of fields any request variant may carry.
type envelope struct {
	Func      string `json:"func"`
	SessionId string `json:"sessionId"`

	// connect
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`

	// disconnect
	DiscardConnection bool `json:"discardConnection"`

	// query / executeSql
	Sql         string `json:"sql"`
	RecordCount int    `json:"recordCount"`

	// listen / unlisten
	Channel string `json:"channel"`
}

// Decode parses a raw JSON frame into a types.Request. It never returns an
// error: a malformed frame or unrecognized func becomes a Request with
// Func left empty (its zero value) and UnknownDetail describing why.
func Decode(raw json.RawMessage) types.Request {
	req := types.Request{Raw: raw}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		req.UnknownDetail = "malformed JSON: " + err.Error()
		return req
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		req.UnknownDetail = "malformed JSON: " + err.Error()
		return req
	}

	if idRaw, exists := fields["requestId"]; exists {
		req.HasReqId = true
		req.RequestId = idRaw
	}
	req.SessionId = env.SessionId

	if _, exists := fields["func"]; !exists {
		req.UnknownDetail = "Missing requestType"
		return req
	}

	switch types.RequestFunc(env.Func) {
	case types.FuncConnect:
		req.Func = types.FuncConnect
		req.Connect = types.ConnectRequest{
			Host:     env.Host,
			Port:     env.Port,
			Database: env.Database,
			User:     env.User,
			Password: env.Password,
		}
	case types.FuncDisconnect:
		req.Func = types.FuncDisconnect
		req.DiscardConnection = env.DiscardConnection
	case types.FuncQuery:
		req.Func = types.FuncQuery
		req.Sql = env.Sql
		req.RecordCount = env.RecordCount
	case types.FuncMoreQueryResults:
		req.Func = types.FuncMoreQueryResults
		req.RecordCount = env.RecordCount
	case types.FuncExecuteSql:
		req.Func = types.FuncExecuteSql
		req.Sql = env.Sql
	case types.FuncListen:
		req.Func = types.FuncListen
		req.Channel = env.Channel
	case types.FuncUnlisten:
		req.Func = types.FuncUnlisten
		req.Channel = env.Channel
	default:
		req.UnknownDetail = "unrecognized func '" + env.Func + "'"
	}
	return req
}
