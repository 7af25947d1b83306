package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/workspace-orchestrator/internal/config"
)

func buildMultipartRequest(t *testing.T, rd requestData, metas []fileMetadata, fileContents [][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	rdJSON, err := json.Marshal(rd)
	require.NoError(t, err)
	require.NoError(t, w.WriteField("request_data", string(rdJSON)))

	if len(metas) > 0 {
		metaJSON, err := json.Marshal(metas)
		require.NoError(t, err)
		require.NoError(t, w.WriteField("file_metadata", string(metaJSON)))
	}

	for i, content := range fileContents {
		part, err := w.CreateFormFile("files[]", metas[i].Filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/tenants/t1/conversations/c1/stream", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestStreamHandler_CollectAttachments(t *testing.T) {
	rd := requestData{UserInput: "hello"}
	metas := []fileMetadata{
		{Filename: "a1b2-report.csv", OriginalName: "report.csv", RelativePath: "report.csv", ContentType: "text/csv"},
	}
	req := buildMultipartRequest(t, rd, metas, [][]byte{[]byte("col1,col2\n1,2\n")})
	require.NoError(t, req.ParseMultipartForm(maxUploadBytes))

	h := &streamHandler{cfg: &config.Config{}}
	attachments, err := h.collectAttachments(req, metas)
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.Equal(t, "report.csv", attachments[0].OriginalName)
	assert.Equal(t, "text/csv", attachments[0].ContentType)
	assert.Equal(t, []byte("col1,col2\n1,2\n"), attachments[0].Data)
}

func TestStreamHandler_CollectAttachments_MissingMetadata(t *testing.T) {
	rd := requestData{UserInput: "hello"}
	metas := []fileMetadata{{Filename: "f.txt", RelativePath: "f.txt"}}
	req := buildMultipartRequest(t, rd, metas, [][]byte{[]byte("data")})
	require.NoError(t, req.ParseMultipartForm(maxUploadBytes))

	h := &streamHandler{cfg: &config.Config{}}
	_, err := h.collectAttachments(req, nil)
	require.Error(t, err)
}
