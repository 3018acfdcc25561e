package protocol

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/10yihang/fsamem/internal/delta"
	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/internal/merge"
	"github.com/10yihang/fsamem/internal/metrics"
	"github.com/10yihang/fsamem/internal/store"
	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
	"github.com/10yihang/fsamem/pkg/protocolbuf"
)

// Version is reported by INFO.
const Version = "0.1.0"

// CommandFunc runs one command. A returned error is written to the client
// as "-<CODE> message"; otherwise the command has written its own reply.
type CommandFunc func(ctx context.Context, conn redcon.Conn, args [][]byte) error

type Handler struct {
	engine   StateEngine
	cache    CacheStats
	logger   *zap.Logger
	commands map[string]CommandFunc
	started  time.Time

	// clients reports open connections; set by NewServer.
	clients func() int
}

// NewHandler creates a handler. cache may be nil.
func NewHandler(engine StateEngine, cache CacheStats, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		engine:   engine,
		cache:    cache,
		logger:   logger,
		commands: make(map[string]CommandFunc),
		started:  time.Now(),
	}
	h.registerCommands()
	return h
}

func (h *Handler) registerCommands() {
	h.commands["PING"] = h.cmdPing
	h.commands["ECHO"] = h.cmdEcho
	h.commands["QUIT"] = h.cmdQuit
	h.commands["COMMAND"] = h.cmdCommand
	h.commands["INFO"] = h.cmdInfo

	h.commands["STATE.GET"] = h.cmdStateGet
	h.commands["STATE.APPEND"] = h.cmdStateAppend
	h.commands["STATE.PUT"] = h.cmdStatePut
	h.commands["STATE.MERGE"] = h.cmdStateMerge
	h.commands["STATE.SLICE"] = h.cmdStateSlice
	h.commands["STATE.HISTORY"] = h.cmdStateHistory
	h.commands["STATE.DELTAS"] = h.cmdStateDeltas
}

// ExecuteBytes upper-cases the command name in place and runs it.
func (h *Handler) ExecuteBytes(ctx context.Context, conn redcon.Conn, cmdBytes []byte, args [][]byte) {
	ToUpperInPlace(cmdBytes)
	h.Execute(ctx, conn, string(cmdBytes), args)
}

func (h *Handler) Execute(ctx context.Context, conn redcon.Conn, cmd string, args [][]byte) {
	fn, ok := h.commands[cmd]
	if !ok {
		conn.WriteError("ERR unknown command '" + cmd + "'")
		return
	}

	start := time.Now()
	err := fn(ctx, conn, args)
	metrics.RecordCommand(strings.ToLower(cmd), time.Since(start), err == nil)
	if err != nil {
		h.logger.Debug("command failed",
			zap.String("cmd", cmd),
			zap.String("code", errors.Code(err)),
			zap.Error(err))
		var arity *arityError
		if errors.As(err, &arity) {
			WriteArgCountError(conn, arity.cmd)
			return
		}
		WriteStoreError(conn, err)
	}
}

type arityError struct {
	cmd string
}

func (e *arityError) Error() string {
	return "wrong number of arguments for '" + e.cmd + "' command"
}

func (e *arityError) Unwrap() error { return errors.ErrInvalidArgs }

func argError(cmd string) error {
	return &arityError{cmd: cmd}
}

func parseInt(arg []byte, name string) (int64, error) {
	n, err := strconv.ParseInt(string(arg), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", errors.ErrInvalidArgs, name, arg)
	}
	return n, nil
}

func stateKey(args [][]byte) engine.StateKey {
	return engine.NewKey(string(args[0]), string(args[1]))
}

func (h *Handler) cmdPing(_ context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) == 0 {
		WritePONG(conn)
	} else {
		conn.WriteBulk(args[0])
	}
	return nil
}

func (h *Handler) cmdEcho(_ context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) != 1 {
		return argError("echo")
	}
	conn.WriteBulk(args[0])
	return nil
}

func (h *Handler) cmdQuit(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	WriteOK(conn)
	conn.Close()
	return nil
}

func (h *Handler) cmdCommand(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	conn.WriteArray(0)
	return nil
}

func (h *Handler) cmdInfo(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	b := protocolbuf.GetBuffer()
	defer protocolbuf.PutBuffer(b)

	b.WriteString("# Server\r\n")
	b.WriteString("fsamem_version:" + Version + "\r\n")
	b.WriteString("go_version:" + runtime.Version() + "\r\n")
	b.WriteString("uptime_in_seconds:" + strconv.FormatInt(int64(time.Since(h.started).Seconds()), 10) + "\r\n")

	if h.clients != nil {
		b.WriteString("\r\n# Clients\r\n")
		b.WriteString("connected_clients:" + strconv.Itoa(h.clients()) + "\r\n")
	}

	if h.cache != nil {
		st := h.cache.Stats()
		b.WriteString("\r\n# SliceCache\r\n")
		b.WriteString("cache_hits:" + strconv.FormatInt(st.Hits, 10) + "\r\n")
		b.WriteString("cache_misses:" + strconv.FormatInt(st.Misses, 10) + "\r\n")
		b.WriteString("cache_evictions:" + strconv.FormatInt(st.Evictions, 10) + "\r\n")
		b.WriteString("cache_expirations:" + strconv.FormatInt(st.Expirations, 10) + "\r\n")
		b.WriteString("cache_entries:" + strconv.Itoa(st.Size) + "\r\n")
	}

	conn.WriteBulk(b.Bytes())
	return nil
}

// STATE.GET tenant state_id [version]
func (h *Handler) cmdStateGet(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) < 2 || len(args) > 3 {
		return argError("state.get")
	}
	var version int64
	if len(args) == 3 {
		v, err := parseInt(args[2], "version")
		if err != nil {
			return err
		}
		version = v
	}

	entry, err := h.engine.Get(ctx, stateKey(args), version)
	if err != nil {
		return err
	}
	WriteJSON(conn, entry)
	return nil
}

type appendReply struct {
	Version int64  `json:"version"`
	StateID string `json:"state_id"`
}

// STATE.APPEND tenant state_id actor ops_json [lineage] [base_version]
func (h *Handler) cmdStateAppend(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) < 4 || len(args) > 6 {
		return argError("state.append")
	}
	ops, err := delta.ParseOperations(args[3])
	if err != nil {
		return err
	}
	if ops == nil {
		ops = []delta.Operation{}
	}
	req := store.AppendRequest{Key: stateKey(args), Actor: string(args[2]), Ops: ops}
	if err := parseWriteOptions(&req, args[4:]); err != nil {
		return err
	}
	return h.append(ctx, conn, req)
}

// STATE.PUT tenant state_id actor state_json [lineage] [base_version]
func (h *Handler) cmdStatePut(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) < 4 || len(args) > 6 {
		return argError("state.put")
	}
	state, err := value.ParseMap(args[3])
	if err != nil {
		return fmt.Errorf("%w: state must be a JSON object: %v", errors.ErrInvalidArgs, err)
	}
	req := store.AppendRequest{Key: stateKey(args), Actor: string(args[2]), State: state}
	if err := parseWriteOptions(&req, args[4:]); err != nil {
		return err
	}
	return h.append(ctx, conn, req)
}

func parseWriteOptions(req *store.AppendRequest, rest [][]byte) error {
	if len(rest) > 0 {
		req.LineageID = string(rest[0])
	}
	if len(rest) > 1 {
		base, err := parseInt(rest[1], "base_version")
		if err != nil {
			return err
		}
		req.BaseVersion = base
	}
	return nil
}

func (h *Handler) append(ctx context.Context, conn redcon.Conn, req store.AppendRequest) error {
	entry, err := h.engine.Append(ctx, req)
	if err != nil {
		return err
	}
	WriteJSON(conn, appendReply{Version: entry.Version, StateID: entry.Key.StateID})
	return nil
}

// STATE.MERGE tenant state_id strategy actor v1 v2 [v...]
func (h *Handler) cmdStateMerge(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) < 5 {
		return argError("state.merge")
	}
	strategy, err := merge.ParseStrategy(string(args[2]))
	if err != nil {
		return err
	}
	versions := make([]int64, 0, len(args)-4)
	for _, a := range args[4:] {
		v, err := parseInt(a, "version")
		if err != nil {
			return err
		}
		versions = append(versions, v)
	}

	entry, err := h.engine.MergeAndAppend(ctx, store.MergeRequest{
		Key:      stateKey(args),
		Versions: versions,
		Strategy: strategy,
		Actor:    string(args[3]),
	})
	if err != nil {
		return err
	}
	WriteJSON(conn, struct {
		Version int64 `json:"version"`
	}{entry.Version})
	return nil
}

// STATE.SLICE tenant state_id pattern [limit] [NOCACHE] [VERSION v]
func (h *Handler) cmdStateSlice(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) < 3 {
		return argError("state.slice")
	}
	q := store.SliceQuery{Key: stateKey(args), Pattern: string(args[2]), UseCache: true}

	rest := args[3:]
	for i := 0; i < len(rest); i++ {
		switch opt := strings.ToUpper(string(rest[i])); {
		case opt == "NOCACHE":
			q.UseCache = false
		case opt == "VERSION":
			if i+1 >= len(rest) {
				return fmt.Errorf("%w: VERSION needs a value", errors.ErrInvalidArgs)
			}
			v, err := parseInt(rest[i+1], "version")
			if err != nil {
				return err
			}
			q.Version = v
			i++
		case i == 0:
			n, err := parseInt(rest[i], "limit")
			if err != nil {
				return err
			}
			q.Limit = int(n)
		default:
			return fmt.Errorf("%w: unexpected argument %q", errors.ErrInvalidArgs, rest[i])
		}
	}

	res, err := h.engine.QuerySlice(ctx, q)
	if err != nil {
		return err
	}
	WriteJSON(conn, res)
	return nil
}

// STATE.HISTORY tenant state_id [limit] [offset]
func (h *Handler) cmdStateHistory(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) < 2 || len(args) > 4 {
		return argError("state.history")
	}
	var limit, offset int64
	var err error
	if len(args) > 2 {
		if limit, err = parseInt(args[2], "limit"); err != nil {
			return err
		}
	}
	if len(args) > 3 {
		if offset, err = parseInt(args[3], "offset"); err != nil {
			return err
		}
	}

	entries, err := h.engine.History(ctx, stateKey(args), int(limit), int(offset))
	if err != nil {
		return err
	}
	WriteJSON(conn, entries)
	return nil
}

// STATE.DELTAS tenant state_id version
func (h *Handler) cmdStateDeltas(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) != 3 {
		return argError("state.deltas")
	}
	version, err := parseInt(args[2], "version")
	if err != nil {
		return err
	}
	rec, err := h.engine.Deltas(ctx, stateKey(args), version)
	if err != nil {
		return err
	}
	WriteJSON(conn, rec)
	return nil
}

var upperTable [256]byte

func init() {
	for i := range upperTable {
		c := byte(i)
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upperTable[i] = c
	}
}

// ToUpperInPlace upper-cases ASCII letters in b. Command names from the
// RESP parser are safe to modify.
func ToUpperInPlace(b []byte) {
	for i := range b {
		b[i] = upperTable[b[i]]
	}
}
