package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ghostwriter/internal/auth"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

func TestTokenCommand(t *testing.T) {
	var out bytes.Buffer
	err := BuildApp(&out).Run([]string{"ghostctl", "token", "--user", "42", "--secret", "s3"})
	require.NoError(t, err)

	uid, err := auth.ParseJWT(strings.TrimSpace(out.String()), "s3")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), uid)
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/status", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("id"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		step := "calling_ai"
		_ = json.NewEncoder(w).Encode(tasks.Task{ID: 7, Status: tasks.StatusProcessing, CurrentStep: &step})
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := BuildApp(&out).Run([]string{"ghostctl", "status", "--server", srv.URL, "--token", "tok", "--id", "7"})
	require.NoError(t, err)
	assert.Equal(t, "7\tprocessing\tSending your message to the AI model...\n", out.String())
}

func TestSendCommand_RequiresMessage(t *testing.T) {
	var out bytes.Buffer
	err := BuildApp(&out).Run([]string{"ghostctl", "send", "--token", "tok", "--conversation", "1"})
	assert.EqualError(t, err, "message is required")
}
