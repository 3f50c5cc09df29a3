package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mailflow/pkg/mailer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailerSender(t *testing.T) {
	var got mailer.SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(mailer.SendResponse{MessageID: "prov-1"})
	}))
	defer srv.Close()

	sender := MailerSender{Client: mailer.NewClient(&mailer.Config{BaseURL: srv.URL, From: "team@example.com", Timeout: time.Second}, quietLogger())}
	id, err := sender.Send(context.Background(), OutgoingEmail{To: "ann@example.com", Subject: "Welcome", Body: "<p>hi</p>", TemplateType: "MARKETING"})
	require.NoError(t, err)
	assert.Equal(t, "prov-1", id)
	assert.Equal(t, "team@example.com", got.From)
	assert.Equal(t, "<p>hi</p>", got.HTML)
	assert.Equal(t, "MARKETING", got.Tags["template_type"])
}
