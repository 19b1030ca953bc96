// Package command turns manager-issued command messages into module
// executions. Commands arrive on the COMMAND lane as raw JSON documents of
// the form {"id": "...", "args": [module, command, parameters...]}; the
// processor peeks them one at a time, dispatches to the owning module,
// reports the result back as a stateful message, and only then pops the
// command from the lane.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vigilsec/vigil-agent/internal/queue"
)

// ResultCode is the execution outcome reported back to the manager.
type ResultCode int

const (
	CodeSuccess ResultCode = iota
	CodeFailure
	CodeInProgress
	CodeNotFound
)

// String returns the wire representation of the code.
func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeFailure:
		return "failure"
	case CodeInProgress:
		return "in_progress"
	case CodeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Result is the outcome of executing one command.
type Result struct {
	Code    ResultCode
	Message string
}

// Entry is one parsed command.
type Entry struct {
	ID         string
	Module     string
	Command    string
	Parameters []string
	Result     Result
}

// wireCommand mirrors the JSON document the manager sends.
type wireCommand struct {
	ID   string   `json:"id"`
	Args []string `json:"args"`
}

// Parse decodes a raw command document. The args array carries the owning
// module first, the command verb second, and parameters after that. The
// result is seeded in_progress.
func Parse(raw string) (Entry, error) {
	var w wireCommand
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Entry{}, fmt.Errorf("command: parsing entry: %w", err)
	}
	if w.ID == "" {
		return Entry{}, errors.New("command: entry missing id")
	}
	if len(w.Args) < 2 {
		return Entry{}, errors.New("command: entry needs at least module and command args")
	}

	return Entry{
		ID:         w.ID,
		Module:     w.Args[0],
		Command:    w.Args[1],
		Parameters: w.Args[2:],
		Result:     Result{Code: CodeInProgress},
	}, nil
}

// ExecuteFunc runs one command against the named module.
type ExecuteFunc func(ctx context.Context, moduleName, cmd string, parameters []string) Result

// Processor consumes the COMMAND lane.
type Processor struct {
	queue  *queue.MultiQueue
	exec   ExecuteFunc
	logger *zap.Logger
}

// NewProcessor builds a command processor dispatching through exec.
func NewProcessor(q *queue.MultiQueue, exec ExecuteFunc, logger *zap.Logger) *Processor {
	return &Processor{
		queue:  q,
		exec:   exec,
		logger: logger.Named("command"),
	}
}

// Next returns the oldest command on the lane without removing it. The second
// return is false when the lane is empty or the head is malformed JSON (the
// caller should Pop it regardless).
func (p *Processor) Next() (Entry, bool) {
	if p.queue.IsEmpty(queue.Command) {
		return Entry{}, false
	}
	msg, ok := p.queue.GetNext(queue.Command)
	if !ok || len(msg.Data) == 0 {
		return Entry{}, false
	}
	entry, err := Parse(msg.Data[0])
	if err != nil {
		p.logger.Error("malformed command at queue head", zap.Error(err))
		return Entry{}, false
	}
	return entry, true
}

// Pop removes the oldest command from the lane.
func (p *Processor) Pop() {
	p.queue.PopN(queue.Command, 1)
}

// Run processes commands until ctx is cancelled. Each command is executed,
// its result pushed onto the STATEFUL lane, and only then popped — a crash
// between execute and pop re-runs the command rather than losing it.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("command processor started")
	for {
		msgs, err := p.queue.GetNextN(ctx, queue.Command, 1)
		if err != nil {
			p.logger.Info("command processor stopped")
			return nil
		}

		entry, perr := func() (Entry, error) {
			if len(msgs[0].Data) == 0 {
				return Entry{}, errors.New("command: empty message")
			}
			return Parse(msgs[0].Data[0])
		}()
		if perr != nil {
			p.logger.Error("discarding malformed command", zap.Error(perr))
			p.Pop()
			continue
		}

		p.logger.Info("executing command",
			zap.String("id", entry.ID),
			zap.String("module", entry.Module),
			zap.String("command", entry.Command),
		)

		res := p.exec(ctx, entry.Module, entry.Command, entry.Parameters)
		p.reportResult(entry, res)
		p.Pop()
	}
}

// reportResult pushes the execution outcome onto the STATEFUL lane so the
// manager learns how the command ended.
func (p *Processor) reportResult(entry Entry, res Result) {
	doc, err := json.Marshal(map[string]string{
		"command_id": entry.ID,
		"result":     res.Code.String(),
		"message":    res.Message,
	})
	if err != nil {
		p.logger.Error("failed to encode command result", zap.String("id", entry.ID), zap.Error(err))
		return
	}

	p.queue.Push(queue.Message{
		Type:       queue.Stateful,
		Data:       []string{string(doc)},
		ModuleName: entry.Module,
		Metadata:   `{"module":"command_handler","type":"result"}`,
	})
}
