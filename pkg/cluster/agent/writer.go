package agent

import (
	"context"

	"google.golang.org/genai"
)

type outbound struct {
	audio   []byte
	tool    *genai.FunctionResponse
	content *genai.LiveClientContentInput
}

// outboundWriter holds every send until the service acknowledges setup, then
// drains the queues with tool responses ahead of audio.
type outboundWriter struct {
	conn     Conn
	ctx      context.Context
	ready    <-chan struct{}
	mimeType string
	priority <-chan outbound
	normal   <-chan outbound
}

func (w *outboundWriter) Run() error {
	select {
	case <-w.ready:
	case <-w.ctx.Done():
		return nil
	}

	for {
		select {
		case <-w.ctx.Done():
			return nil
		default:
		}

		// Hard priority: tool responses unblock the model's turn.
		select {
		case frame := <-w.priority:
			if err := w.write(frame); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-w.ctx.Done():
			return nil
		case frame := <-w.priority:
			if err := w.write(frame); err != nil {
				return err
			}
		case frame := <-w.normal:
			if err := w.write(frame); err != nil {
				return err
			}
		}
	}
}

func (w *outboundWriter) write(frame outbound) error {
	switch {
	case frame.tool != nil:
		return w.conn.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{frame.tool},
		})
	case frame.content != nil:
		return w.conn.SendClientContent(*frame.content)
	case len(frame.audio) > 0:
		return w.conn.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: frame.audio, MIMEType: w.mimeType},
		})
	}
	return nil
}
