package lsp_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sourcegraph/go-lsp"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/require"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	flowlsp "github.com/picatz/taskflow/pkg/taskflow/v1/flowfile/lsp"
	"github.com/picatz/taskflow/pkg/taskflow/v1/library"
)

type diagnosticsHandler struct {
	published chan lsp.PublishDiagnosticsParams
}

func (h *diagnosticsHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Method != "textDocument/publishDiagnostics" || req.Params == nil {
		return
	}
	var params lsp.PublishDiagnosticsParams
	if err := json.Unmarshal(*req.Params, &params); err == nil {
		h.published <- params
	}
}

func newClient(t *testing.T) (*jsonrpc2.Conn, chan lsp.PublishDiagnosticsParams) {
	t.Helper()

	reg := v1.NewRegistry()
	_, err := library.Register(reg)
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()

	serverSide, clientSide := net.Pipe()
	server := jsonrpc2.NewConn(
		t.Context(),
		jsonrpc2.NewBufferedStream(serverSide, jsonrpc2.VSCodeObjectCodec{}),
		&flowlsp.FlowfileServer{Registry: reg, Logger: logger},
	)
	t.Cleanup(func() { _ = server.Close() })

	handler := &diagnosticsHandler{published: make(chan lsp.PublishDiagnosticsParams, 4)}
	client := jsonrpc2.NewConn(
		t.Context(),
		jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{}),
		handler,
	)
	t.Cleanup(func() { _ = client.Close() })
	return client, handler.published
}

func waitForDiagnostics(t *testing.T, published chan lsp.PublishDiagnosticsParams) lsp.PublishDiagnosticsParams {
	t.Helper()
	select {
	case params := <-published:
		return params
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for diagnostics")
		return lsp.PublishDiagnosticsParams{}
	}
}

func TestFlowfileServer(t *testing.T) {
	client, published := newClient(t)

	var result lsp.InitializeResult
	require.NoError(t, client.Call(t.Context(), "initialize", lsp.InitializeParams{}, &result))
	require.NotNil(t, result.Capabilities.TextDocumentSync)
	require.Equal(t, lsp.TDSKFull, *result.Capabilities.TextDocumentSync.Kind)

	const uri = lsp.DocumentURI("file:///hello.flow.yaml")

	require.NoError(t, client.Notify(t.Context(), "textDocument/didOpen", lsp.DidOpenTextDocumentParams{
		TextDocument: lsp.TextDocumentItem{
			URI: uri,
			Text: `
name: hello
nodes:
  - id: a
    task: echo
    inputs:
      message: hello
`,
		},
	}))
	params := waitForDiagnostics(t, published)
	require.Equal(t, uri, params.URI)
	require.Empty(t, params.Diagnostics)

	require.NoError(t, client.Notify(t.Context(), "textDocument/didChange", lsp.DidChangeTextDocumentParams{
		TextDocument: lsp.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: lsp.TextDocumentIdentifier{URI: uri},
			Version:                2,
		},
		ContentChanges: []lsp.TextDocumentContentChangeEvent{{Text: `
name: hello
nodes:
  - id: a
    task: shout
`}},
	}))
	params = waitForDiagnostics(t, published)
	require.Len(t, params.Diagnostics, 1)
	require.Equal(t, lsp.Error, params.Diagnostics[0].Severity)
	require.Contains(t, params.Diagnostics[0].Message, "shout")

	require.NoError(t, client.Notify(t.Context(), "textDocument/didClose", lsp.DidCloseTextDocumentParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: uri},
	}))
	params = waitForDiagnostics(t, published)
	require.Empty(t, params.Diagnostics)
}
