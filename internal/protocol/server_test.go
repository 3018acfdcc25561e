package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/fsamem/internal/engine/memory"
	"github.com/10yihang/fsamem/internal/slicecache"
	"github.com/10yihang/fsamem/internal/store"
)

func waitForServer(t *testing.T, s *Server, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		addr := s.Addr()
		if addr != ":0" && addr != "" && addr != "127.0.0.1:0" {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start in time")
	return ""
}

func startServer(t *testing.T) *Client {
	t.Helper()
	cache := slicecache.New(nil)
	st := store.New(memory.NewStore(memory.DefaultConfig()), &store.Config{Cache: cache})
	server := NewServer("127.0.0.1:0", NewHandler(st, cache, nil), nil)

	go func() {
		server.Start()
	}()
	addr := waitForServer(t, server, 2*time.Second)

	client, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Stop()
		st.Close()
	})
	return client
}

func do(t *testing.T, c *Client, args ...string) Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := c.Do(ctx, args...)
	require.NoError(t, err, "command %v", args)
	return reply
}

func doErr(t *testing.T, c *Client, args ...string) *ServerError {
	t.Helper()
	_, err := c.Do(context.Background(), args...)
	require.Error(t, err)
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	return serr
}

func decode(t *testing.T, r Reply) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.Str), &out), r.Str)
	return out
}

func TestPing(t *testing.T) {
	c := startServer(t)
	assert.Equal(t, "PONG", do(t, c, "PING").Str)
	assert.Equal(t, "hello", do(t, c, "ping", "hello").Str)
}

func TestUnknownCommand(t *testing.T) {
	c := startServer(t)
	serr := doErr(t, c, "NOPE")
	assert.Equal(t, "ERR", serr.Code)
}

func TestStateRoundTrip(t *testing.T) {
	c := startServer(t)

	got := decode(t, do(t, c, "STATE.GET", "acme", "proj"))
	assert.Equal(t, float64(0), got["version"])

	r := decode(t, do(t, c, "STATE.PUT", "acme", "proj", "alice",
		`{"TASK-1":{"status":"DONE"},"TASK-2":{"status":"PENDING"}}`))
	assert.Equal(t, float64(1), r["version"])
	assert.Equal(t, "proj", r["state_id"])

	r = decode(t, do(t, c, "state.append", "acme", "proj", "alice",
		`[{"op":"set","path":["TASK-3","status"],"value":"DONE"}]`, "lin-1"))
	assert.Equal(t, float64(2), r["version"])

	entry := do(t, c, "STATE.GET", "acme", "proj")
	assert.Contains(t, entry.Str, `"state":{"TASK-1":{"status":"DONE"},"TASK-2":{"status":"PENDING"},"TASK-3":{"status":"DONE"}}`)
	assert.Contains(t, entry.Str, `"lineage_id":"lin-1"`)
	assert.Contains(t, entry.Str, `"parent_version":1`)

	first := decode(t, do(t, c, "STATE.GET", "acme", "proj", "1"))
	assert.Nil(t, first["parent_version"])

	slice := decode(t, do(t, c, "STATE.SLICE", "acme", "proj", "task*"))
	assert.Equal(t, "3 tasks: 2 DONE, 1 PENDING", slice["summary"])
	assert.Equal(t, false, slice["cached"])
	slice = decode(t, do(t, c, "STATE.SLICE", "acme", "proj", "task*"))
	assert.Equal(t, true, slice["cached"])

	limited := decode(t, do(t, c, "STATE.SLICE", "acme", "proj", "*", "1", "NOCACHE", "VERSION", "1"))
	assert.Equal(t, float64(1), limited["version"])
	assert.Equal(t, false, limited["cached"])
	assert.Len(t, limited["slice"], 1)

	var hist []map[string]any
	require.NoError(t, json.Unmarshal([]byte(do(t, c, "STATE.HISTORY", "acme", "proj").Str), &hist))
	require.Len(t, hist, 2)
	assert.Equal(t, float64(2), hist[0]["version"])

	rec := decode(t, do(t, c, "STATE.DELTAS", "acme", "proj", "2"))
	assert.Equal(t, "delta", rec["kind"])

	m := decode(t, do(t, c, "STATE.MERGE", "acme", "proj", "union", "bob", "1", "2"))
	assert.Equal(t, float64(3), m["version"])

	info := do(t, c, "INFO")
	assert.Contains(t, info.Str, "cache_hits:1")
}

func TestStateErrors(t *testing.T) {
	c := startServer(t)

	assert.Equal(t, "NOT_FOUND", doErr(t, c, "STATE.GET", "acme", "proj", "4").Code)
	assert.Equal(t, "INVALID_ARGS", doErr(t, c, "STATE.GET", "acme").Code)
	assert.Equal(t, "INVALID_ARGS", doErr(t, c, "STATE.GET", "acme", "proj", "x").Code)
	assert.Equal(t, "INVALID_OPERATION", doErr(t, c, "STATE.APPEND", "acme", "proj", "a", `[{"op":"MOVE","path":["x"]}]`).Code)
	assert.Equal(t, "INVALID_ARGS", doErr(t, c, "STATE.PUT", "acme", "proj", "a", `[1]`).Code)
	assert.Equal(t, "UNKNOWN_STRATEGY", doErr(t, c, "STATE.MERGE", "acme", "proj", "newest", "a", "1", "2").Code)
	assert.Equal(t, "INSUFFICIENT_INPUTS", doErr(t, c, "STATE.MERGE", "acme", "proj", "crdt", "a", "1").Code)

	do(t, c, "STATE.APPEND", "acme", "proj", "a", `[{"op":"SET","path":["n"],"value":"text"}]`)
	assert.Equal(t, "TYPE_CONFLICT", doErr(t, c, "STATE.APPEND", "acme", "proj", "a", `[{"op":"INC","path":["n"],"value":1}]`).Code)

	do(t, c, "STATE.APPEND", "acme", "proj", "b", `[{"op":"SET","path":["m"],"value":1}]`)
	serr := doErr(t, c, "STATE.APPEND", "acme", "proj", "a", `[{"op":"SET","path":["k"],"value":1}]`, "", "1")
	assert.Equal(t, "VERSION_CONFLICT", serr.Code)
}

func TestToUpperInPlace(t *testing.T) {
	b := []byte("state.get-ß")
	ToUpperInPlace(b)
	assert.Equal(t, "STATE.GET-ß", string(b))
}

func TestArgCountError(t *testing.T) {
	c := startServer(t)

	serr := doErr(t, c, "STATE.DELTAS", "acme", "proj")
	assert.Equal(t, "INVALID_ARGS", serr.Code)
	assert.Equal(t, "wrong number of arguments for 'state.deltas' command", serr.Message)

	serr = doErr(t, c, "echo")
	assert.Equal(t, "wrong number of arguments for 'echo' command", serr.Message)
}

func TestInfoReportsConnectedClients(t *testing.T) {
	c := startServer(t)
	info := do(t, c, "INFO")
	assert.Contains(t, info.Str, "# Clients\r\nconnected_clients:1\r\n")
}
