// Package stdio implements the Stdio-Framed Tool Adapter (spec.md §6.4):
// newline-delimited JSON requests of shape {"tool","args","id"}, answered
// with {"id","result"} or {"id","error":{"kind","message"}}. Tool names
// map 1:1 to contract.Service's operations. Grounded on
// kadirpekel-hector/pkg/tool/mcptoolset's framing idiom (a bufio.Scanner
// reading newline-delimited JSON-RPC-shaped messages over a subprocess
// pipe), adapted from an MCP client to a server that owns the pipe ends
// it reads/writes.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	taxerr "github.com/neuroconv/orchestrator/internal/errors"
	"github.com/neuroconv/orchestrator/internal/session"
	"github.com/neuroconv/orchestrator/internal/transport/contract"
)

// request is one line of stdin per spec.md §6.4.
type request struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
	ID   string          `json:"id"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// response is one line of stdout per spec.md §6.4. Result and Error are
// mutually exclusive.
type response struct {
	ID     string     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

// Adapter serves spec.md §6.3's operations over newline-delimited JSON on
// an arbitrary io.Reader/io.Writer pair (stdin/stdout in production,
// pipes in tests).
type Adapter struct {
	svc    *contract.Service
	writeM sync.Mutex
}

// New builds an Adapter over svc.
func New(svc *contract.Service) *Adapter {
	return &Adapter{svc: svc}
}

// Serve reads newline-delimited requests from r until EOF or ctx is done,
// dispatching each to the matching contract.Service operation and writing
// exactly one response line to w per request. Serve returns nil on a
// graceful EOF (spec.md §6.4's "exit code 0 on graceful shutdown"); any
// other error should map to a non-zero process exit by the caller.
func (a *Adapter) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			a.write(w, response{Error: &errorBody{Kind: "InvalidRequest", Message: err.Error()}})
			continue
		}

		if req.Tool == "subscribeEvents" {
			a.streamEvents(ctx, req, w)
			continue
		}

		result, err := a.dispatch(ctx, req)
		if err != nil {
			a.write(w, response{ID: req.ID, Error: toErrorBody(err)})
			continue
		}
		a.write(w, response{ID: req.ID, Result: result})
	}
	return scanner.Err()
}

// streamEvents implements spec.md §6.3's subscribeEvents over the
// stdio adapter's one-line-in, many-lines-out framing: every event is
// written as its own response line carrying the request's id, until the
// session reaches a terminal event or ctx is cancelled.
func (a *Adapter) streamEvents(ctx context.Context, req request, w io.Writer) {
	var args struct {
		SessionID string `json:"session_id"`
		StartSeq  uint64 `json:"start_seq"`
	}
	if err := json.Unmarshal(req.Args, &args); err != nil {
		a.write(w, response{ID: req.ID, Error: &errorBody{Kind: "InvalidRequest", Message: err.Error()}})
		return
	}

	sub, err := a.svc.SubscribeEvents(ctx, args.SessionID, "stdio:"+req.ID, args.StartSeq)
	if err != nil {
		a.write(w, response{ID: req.ID, Error: toErrorBody(err)})
		return
	}
	defer sub.Unsubscribe()

	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.write(w, response{ID: req.ID, Error: toErrorBody(err)})
			}
			return
		}
		a.write(w, response{ID: req.ID, Result: ev})
		if ev.Kind == "Completed" || ev.Kind == "Error" {
			return
		}
	}
}

func (a *Adapter) write(w io.Writer, resp response) {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return
	}
	a.writeM.Lock()
	defer a.writeM.Unlock()
	w.Write(encoded)
	w.Write([]byte("\n"))
}

func toErrorBody(err error) *errorBody {
	if te, ok := taxerr.As(err); ok {
		return &errorBody{Kind: string(te.Kind), Message: te.Message}
	}
	return &errorBody{Kind: string(taxerr.KindInternal), Message: err.Error()}
}

// dispatch maps a tool name 1:1 onto a contract.Service operation
// (spec.md §6.4).
func (a *Adapter) dispatch(ctx context.Context, req request) (any, error) {
	switch req.Tool {
	case "submit":
		var args struct {
			WorkflowRef string `json:"workflow_ref"`
			DatasetRef  string `json:"dataset_ref"`
			PrincipalID string `json:"principal_id"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, taxerr.Wrap(taxerr.KindInvalidWorkflow, "decode submit args", err)
		}
		id, err := a.svc.Submit(ctx, args.WorkflowRef, args.DatasetRef, args.PrincipalID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"session_id": id}, nil

	case "status":
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, taxerr.Wrap(taxerr.KindNotFound, "decode status args", err)
		}
		return a.svc.Status(ctx, args.SessionID)

	case "resume":
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, taxerr.Wrap(taxerr.KindNotFound, "decode resume args", err)
		}
		if err := a.svc.Resume(ctx, args.SessionID); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "cancel":
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, taxerr.Wrap(taxerr.KindNotFound, "decode cancel args", err)
		}
		if err := a.svc.Cancel(ctx, args.SessionID); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "provideInput":
		var args struct {
			SessionID string         `json:"session_id"`
			Input     map[string]any `json:"input"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, taxerr.Wrap(taxerr.KindInputSchemaMismatch, "decode provideInput args", err)
		}
		if err := a.svc.ProvideInput(ctx, args.SessionID, args.Input); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "validateStandalone":
		var args struct {
			FileRef      string   `json:"file_ref"`
			ValidatorSet []string `json:"validator_set"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, taxerr.Wrap(taxerr.KindValidatorUnavailable, "decode validateStandalone args", err)
		}
		return a.svc.ValidateStandalone(ctx, args.FileRef, args.ValidatorSet)

	case "listSessions":
		var args struct {
			PrincipalID string   `json:"principal_id"`
			States      []string `json:"states"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, taxerr.Wrap(taxerr.KindUnauthorized, "decode listSessions args", err)
		}
		filter := session.Filter{PrincipalID: args.PrincipalID}
		for _, s := range args.States {
			filter.States = append(filter.States, session.State(s))
		}
		return a.svc.ListSessions(ctx, filter)

	case "provenance":
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, taxerr.Wrap(taxerr.KindNotFound, "decode provenance args", err)
		}
		log, err := a.svc.Provenance(ctx, args.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"turtle": log.ToTurtle()}, nil

	default:
		return nil, taxerr.New(taxerr.KindInvalidWorkflow, "unknown tool: "+req.Tool)
	}
}
