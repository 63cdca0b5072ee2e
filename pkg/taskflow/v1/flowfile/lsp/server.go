package lsp

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/go-lsp"
	"github.com/sourcegraph/jsonrpc2"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	"github.com/picatz/taskflow/pkg/taskflow/v1/flowfile"
)

// FlowfileServer is a language server for flowfiles. Every opened or changed
// document is parsed and validated against the tasks in Registry, and the
// result is published as diagnostics.
type FlowfileServer struct {
	Registry *v1.Registry
	Logger   logrus.FieldLogger
}

func (s *FlowfileServer) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

func (s *FlowfileServer) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case "initialize":
		result := &lsp.InitializeResult{
			Capabilities: lsp.ServerCapabilities{
				TextDocumentSync: &lsp.TextDocumentSyncOptionsOrKind{
					Kind: func() *lsp.TextDocumentSyncKind { k := lsp.TDSKFull; return &k }(),
				},
			},
		}
		s.reply(ctx, conn, req, result)
	case "textDocument/didOpen":
		var params lsp.DidOpenTextDocumentParams
		if !s.decode(ctx, conn, req, &params) {
			return
		}
		s.validate(ctx, conn, params.TextDocument.URI, params.TextDocument.Text)
		s.reply(ctx, conn, req, nil)
	case "textDocument/didChange":
		var params lsp.DidChangeTextDocumentParams
		if !s.decode(ctx, conn, req, &params) {
			return
		}
		if len(params.ContentChanges) > 0 {
			s.validate(ctx, conn, params.TextDocument.URI, params.ContentChanges[len(params.ContentChanges)-1].Text)
		}
		s.reply(ctx, conn, req, nil)
	case "textDocument/didClose":
		var params lsp.DidCloseTextDocumentParams
		if !s.decode(ctx, conn, req, &params) {
			return
		}
		s.publish(ctx, conn, params.TextDocument.URI, nil)
		s.reply(ctx, conn, req, nil)
	default:
		s.reply(ctx, conn, req, nil)
	}
}

func (s *FlowfileServer) decode(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params any) bool {
	if req.Params == nil {
		return true
	}
	if err := json.Unmarshal(*req.Params, params); err != nil {
		if !req.Notif {
			conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()})
		}
		return false
	}
	return true
}

// reply answers requests; notifications get no response.
func (s *FlowfileServer) reply(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, result any) {
	if req.Notif {
		return
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		s.logger().WithError(err).WithField("method", req.Method).Warn("failed to reply")
	}
}

func (s *FlowfileServer) validate(ctx context.Context, conn *jsonrpc2.Conn, uri lsp.DocumentURI, text string) {
	var diagnostics []lsp.Diagnostic
	if _, err := flowfile.Load([]byte(text), s.Registry); err != nil {
		s.logger().WithFields(logrus.Fields{
			"uri": uri,
		}).WithError(err).Debug("flowfile validation error")
		diagnostics = append(diagnostics, lsp.Diagnostic{
			Severity: lsp.Error,
			Source:   "taskflow",
			Message:  err.Error(),
		})
	}
	s.publish(ctx, conn, uri, diagnostics)
}

func (s *FlowfileServer) publish(ctx context.Context, conn *jsonrpc2.Conn, uri lsp.DocumentURI, diagnostics []lsp.Diagnostic) {
	if diagnostics == nil {
		diagnostics = []lsp.Diagnostic{}
	}
	err := conn.Notify(ctx, "textDocument/publishDiagnostics", &lsp.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
	if err != nil {
		s.logger().WithError(err).WithField("uri", uri).Warn("failed to publish diagnostics")
	}
}
