package protocol

import (
	"strings"

	"github.com/tidwall/redcon"

	"github.com/10yihang/fsamem/pkg/errors"
	"github.com/10yihang/fsamem/pkg/protocolbuf"
)

// Static RESP responses.
var (
	RespOK   = []byte("+OK\r\n")
	RespPONG = []byte("+PONG\r\n")
)

// WriteOK writes a static OK response
func WriteOK(conn redcon.Conn) {
	conn.WriteRaw(RespOK)
}

// WritePONG writes a static PONG response
func WritePONG(conn redcon.Conn) {
	conn.WriteRaw(RespPONG)
}

// WriteArgCountError writes the wrong-arity error for cmd under the
// INVALID_ARGS code.
func WriteArgCountError(conn redcon.Conn, cmd string) {
	conn.WriteError(errors.CodeInvalidArgs + " wrong number of arguments for '" + strings.ToLower(cmd) + "' command")
}

// WriteStoreError writes err as "-<CODE> message".
func WriteStoreError(conn redcon.Conn, err error) {
	conn.WriteError(errors.Code(err) + " " + err.Error())
}

// WriteJSON writes v as a JSON bulk string.
func WriteJSON(conn redcon.Conn, v any) {
	buf := protocolbuf.GetBuffer()
	defer protocolbuf.PutBuffer(buf)

	if err := protocolbuf.AppendJSON(buf, v); err != nil {
		conn.WriteError(errors.CodeInternal + " encode reply: " + err.Error())
		return
	}
	conn.WriteBulk(buf.Bytes())
}
