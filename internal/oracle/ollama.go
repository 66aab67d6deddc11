package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultOllamaModel is the fine-tuned spirit model published on Hugging Face.
const DefaultOllamaModel = "hf.co/BansheeTechnologies/Ouija-3B:Q4_K_M"

// OllamaOptions configures an Ollama oracle.
type OllamaOptions struct {
	Host      string
	Model     string
	KeepAlive string
	Sampling  Sampling
	HTTP      *http.Client
}

// Ollama answers through a local Ollama daemon and pulls the model on demand.
type Ollama struct {
	baseURL   string
	modelName string
	keepAlive string
	sampling  Sampling
	http      *http.Client
}

// NewOllama returns an Ollama oracle. Requests carry no client timeout;
// callers bound them with their context.
func NewOllama(opts OllamaOptions) *Ollama {
	o := &Ollama{
		baseURL:   strings.TrimRight(opts.Host, "/"),
		modelName: opts.Model,
		keepAlive: opts.KeepAlive,
		sampling:  opts.Sampling,
		http:      opts.HTTP,
	}
	if o.modelName == "" {
		o.modelName = DefaultOllamaModel
	}
	if o.http == nil {
		o.http = &http.Client{}
	}
	return o
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []Message     `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
	Options   ollamaOptions `json:"options"`
}

type chatChunk struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error"`
}

type pullChunk struct {
	Status    string `json:"status"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Error     string `json:"error"`
}

// Model implements Oracle.
func (o *Ollama) Model() string { return o.modelName }

// Stream implements Oracle.
func (o *Ollama) Stream(ctx context.Context, system string, msgs []Message, emit func(string) error) error {
	all := make([]Message, 0, len(msgs)+1)
	all = append(all, Message{Role: "system", Content: system})
	all = append(all, msgs...)

	resp, err := o.post(ctx, "/api/chat", chatRequest{
		Model:     o.modelName,
		Messages:  all,
		Stream:    true,
		KeepAlive: o.keepAlive,
		Options: ollamaOptions{
			Temperature: o.sampling.Temperature,
			TopP:        o.sampling.TopP,
			NumPredict:  o.sampling.MaxTokens,
		},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk chatChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode chat chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama chat: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := emit(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
}

// Classify implements Oracle.
func (o *Ollama) Classify(ctx context.Context, question string) (bool, error) {
	resp, err := o.post(ctx, "/api/chat", chatRequest{
		Model: o.modelName,
		Messages: []Message{
			{Role: "system", Content: classifySystem},
			{Role: "user", Content: classifyPrompt(question)},
		},
		KeepAlive: o.keepAlive,
		Options:   ollamaOptions{Temperature: 0.1, NumPredict: 4},
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var out chatChunk
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode classify response: %w", err)
	}
	if out.Error != "" {
		return false, fmt.Errorf("ollama classify: %s", out.Error)
	}
	return isCrisis(out.Message.Content), nil
}

// Present reports whether the model is already pulled.
func (o *Ollama) Present(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false, err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("ollama tags: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("ollama tags: status %d", resp.StatusCode)
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("decode tags: %w", err)
	}
	for _, m := range parsed.Models {
		if sameModel(strings.TrimSpace(m.Name), o.modelName) {
			return true, nil
		}
	}
	return false, nil
}

// Pull downloads the model, reporting byte progress as Ollama streams it.
func (o *Ollama) Pull(ctx context.Context, progress func(completed, total int64)) error {
	resp, err := o.post(ctx, "/api/pull", map[string]any{"model": o.modelName, "stream": true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk pullChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("ollama pull: stream ended before success")
			}
			return fmt.Errorf("decode pull chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama pull: %s", chunk.Error)
		}
		if chunk.Total > 0 && progress != nil {
			progress(chunk.Completed, chunk.Total)
		}
		if chunk.Status == "success" {
			return nil
		}
	}
}

func (o *Ollama) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if resp.StatusCode == http.StatusNotFound && path == "/api/chat" {
			return nil, ErrNotReady
		}
		if e.Error != "" {
			return nil, fmt.Errorf("ollama %s: %s", path, e.Error)
		}
		return nil, fmt.Errorf("ollama %s: status %s", path, resp.Status)
	}
	return resp, nil
}

// sameModel treats an untagged name as ":latest".
func sameModel(a, b string) bool {
	norm := func(s string) string {
		if !strings.Contains(s[strings.LastIndex(s, "/")+1:], ":") {
			return s + ":latest"
		}
		return s
	}
	return strings.EqualFold(norm(a), norm(b))
}
