package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// Child fds carrying tool calls: the child writes requests to fd 3 and reads responses from fd 4
const (
	bridgeRequestFD  = 3
	bridgeResponseFD = 4
)

type bridgeRequest struct {
	ID       int             `json:"id"`
	Provider string          `json:"provider"`
	Tool     string          `json:"tool"`
	Payload  json.RawMessage `json:"payload"`
}

type bridgeResponse struct {
	ID         int             `json:"id"`
	Successful bool            `json:"successful"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// serveBridge answers child tool calls until the request stream closes
func serveBridge(ctx context.Context, requests io.Reader, responses io.Writer, bridge Bridge, label string) int {
	scanner := bufio.NewScanner(requests)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(responses)

	served := 0
	for scanner.Scan() {
		var req bridgeRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			log.Warn().Err(err).Str("label", label).Msg("Malformed sandbox tool call")
			continue
		}
		served++

		resp := bridgeResponse{ID: req.ID}
		if bridge == nil {
			resp.Error = ErrBridgeUnavailable.Error()
		} else {
			out, err := bridge(ctx, req.Provider, req.Tool, req.Payload)
			switch {
			case err != nil:
				resp.Error = err.Error()
			default:
				resp.Successful = out.Successful
				resp.Data = out.Data
				resp.Error = out.Error
			}
		}

		log.Debug().
			Str("label", label).
			Str("provider", req.Provider).
			Str("tool", req.Tool).
			Bool("successful", resp.Successful).
			Msg("Sandbox tool call served")

		if err := enc.Encode(resp); err != nil {
			log.Warn().Err(err).Str("label", label).Msg("Failed to answer sandbox tool call")
			return served
		}
	}
	return served
}

func encodeLine(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func decodeLine(line []byte, v interface{}) error {
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("malformed tool bridge message: %w", err)
	}
	return nil
}
