package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/Tyrowin/mcphub/internal/jsonrpc"
)

type submitResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type submitError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// handleSubmit is the one-shot submission adapter. The body is one envelope
// or an array of envelopes; each is dispatched in order and the outcome is
// broadcast. The poster only learns whether the body was accepted.
func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.limits.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, submitError{Status: "error", Message: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, submitError{Status: "error", Message: "failed to read request body"})
		return
	}

	items, batch, err := jsonrpc.DecodeBatch(body)
	if err != nil {
		g.logger.Debug("rejecting submission", "remote_addr", r.RemoteAddr, "error", err)
		writeJSON(w, http.StatusBadRequest, submitError{Status: "error", Message: err.Error()})
		return
	}

	// Replies are broadcast even if the poster hangs up mid-dispatch.
	ctx := context.WithoutCancel(r.Context())
	if batch {
		g.dispatcher.DispatchBatch(ctx, items)
	} else {
		g.dispatcher.Dispatch(ctx, items[0])
	}

	writeJSON(w, http.StatusOK, submitResponse{Status: "accepted", Count: len(items)})
}
