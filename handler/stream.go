package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"conversation-orchestrator/internal/usecase"
)

const streamErrorEvent = "event: error\ndata: An internal server error occurred.\n\n"

// streamTurn runs the turn in the background and hands its output to the
// runtime through a pipe. The status code is only decided once the first
// chunk (the conversation id) is produced or the turn fails before it.
func (h *Handler) streamTurn(ctx context.Context, logger *slog.Logger, in usecase.TurnInput, headers map[string]string) *events.LambdaFunctionURLStreamingResponse {
	pr, pw := io.Pipe()
	started := make(chan struct{})
	early := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			_ = pr.CloseWithError(ctx.Err())
		case <-done:
		}
	}()

	go func() {
		defer close(done)
		first := true
		convID, err := h.sessions.Turn(ctx, in, func(chunk string) error {
			if first {
				first = false
				close(started)
				chunk += " "
			}
			_, werr := io.WriteString(pw, chunk)
			return werr
		})
		if first {
			early <- err
			_ = pw.Close()
			return
		}
		if err != nil {
			logger.ErrorContext(ctx, "turn failed mid-stream", "conversation_id", convID, "err", err)
			_, _ = io.WriteString(pw, streamErrorEvent)
		}
		_ = pw.Close()
	}()

	select {
	case <-started:
		return &events.LambdaFunctionURLStreamingResponse{
			StatusCode: http.StatusOK,
			Headers: withHeaders(headers, map[string]string{
				"Content-Type":  "text/event-stream",
				"Cache-Control": "no-cache",
			}),
			Body: &turnBody{PipeReader: pr, done: done},
		}
	case err := <-early:
		_ = pr.Close()
		<-done
		if err == nil {
			err = errors.New("handler: turn produced no output")
		}
		return h.failure(ctx, logger, err, headers)
	}
}

// turnBody is the streamed response body. The runtime closes it once the
// response is finished or abandoned; Close returns only after the turn,
// including its write-back, has completed.
type turnBody struct {
	*io.PipeReader
	done <-chan struct{}
}

func (b *turnBody) Close() error {
	err := b.PipeReader.Close()
	<-b.done
	return err
}
