package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

const artQueueTimeout = 15 * time.Second

// artJob identifies one generation request. The backend queues it and walks
// away; artifacts come back later through the upload callback, tagged with
// the same room/player/round triple.
type artJob struct {
	RoomCode string
	PlayerID string
	Round    int
	Prompt   string
}

// artClient is the generation collaborator boundary. Queue must not block
// beyond submitting the job; the engine never waits in place for artwork.
type artClient interface {
	Queue(ctx context.Context, job artJob) error
}

// comfyClient queues jobs against a ComfyUI server. The workflow template
// carries passthrough nodes for room, player, and round so the workflow's
// uploader node can address its results back to /upload.
type comfyClient struct {
	baseURL      string
	workflowPath string
	client       *http.Client
}

func newComfyClient(baseURL, workflowPath string) *comfyClient {
	return &comfyClient{
		baseURL:      baseURL,
		workflowPath: workflowPath,
		client:       &http.Client{Timeout: artQueueTimeout},
	}
}

func (c *comfyClient) Queue(ctx context.Context, job artJob) error {
	workflow, err := c.buildWorkflow(job)
	if err != nil {
		return fmt.Errorf("building workflow: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"prompt":    workflow,
		"client_id": uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("encoding prompt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("queueing prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("comfy returned status %d", resp.StatusCode)
	}
	return nil
}

// buildWorkflow loads the workflow template and fills in the per-job node
// parameters. Falls back to a minimal built-in template when no file is
// configured.
func (c *comfyClient) buildWorkflow(job artJob) (map[string]any, error) {
	workflow, err := c.loadTemplate()
	if err != nil {
		return nil, err
	}

	for _, node := range workflow {
		n, ok := node.(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := n["inputs"].(map[string]any)
		if !ok {
			continue
		}
		switch n["_meta_title"] {
		case "prompt_text":
			inputs["text"] = job.Prompt
		case "room_id":
			inputs["value"] = job.RoomCode
		case "player_id":
			inputs["value"] = job.PlayerID
		case "round":
			inputs["value"] = job.Round
		case "sampler":
			inputs["seed"] = rand.Uint64()
		}
	}
	return workflow, nil
}

func (c *comfyClient) loadTemplate() (map[string]any, error) {
	if c.workflowPath == "" {
		return defaultWorkflow(), nil
	}

	data, err := os.ReadFile(c.workflowPath)
	if err != nil {
		return nil, fmt.Errorf("reading workflow template: %w", err)
	}
	var workflow map[string]any
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("parsing workflow template: %w", err)
	}
	return workflow, nil
}

func defaultWorkflow() map[string]any {
	return map[string]any{
		"1": map[string]any{
			"_meta_title": "prompt_text",
			"class_type":  "CLIPTextEncode",
			"inputs":      map[string]any{"text": "", "clip": []any{"4", 0}},
		},
		"2": map[string]any{
			"_meta_title": "sampler",
			"class_type":  "KSampler",
			"inputs": map[string]any{
				"seed": 0, "steps": 20, "cfg": 7.0,
				"sampler_name": "euler", "scheduler": "normal", "denoise": 1.0,
				"model": []any{"4", 0}, "positive": []any{"1", 0},
				"negative": []any{"3", 0}, "latent_image": []any{"5", 0},
			},
		},
		"3": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": "text, watermark, low quality", "clip": []any{"4", 0}},
		},
		"4": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": "flux_dev.safetensors"},
		},
		"5": map[string]any{
			"class_type": "EmptyLatentImage",
			"inputs":     map[string]any{"width": 512, "height": 512, "batch_size": 1},
		},
		"6": map[string]any{
			"_meta_title": "room_id",
			"class_type":  "PrimitiveString",
			"inputs":      map[string]any{"value": ""},
		},
		"7": map[string]any{
			"_meta_title": "player_id",
			"class_type":  "PrimitiveString",
			"inputs":      map[string]any{"value": ""},
		},
		"8": map[string]any{
			"_meta_title": "round",
			"class_type":  "PrimitiveInt",
			"inputs":      map[string]any{"value": 0},
		},
	}
}

// mockArtClient stands in when no ComfyUI backend is configured: it delivers
// a placeholder artifact through the same completion path a real backend
// would use, after a short delay so the asynchronous flow still exercises.
type mockArtClient struct {
	delay    time.Duration
	complete func(job artJob, artifacts []string)
}

func newMockArtClient(delay time.Duration, complete func(job artJob, artifacts []string)) *mockArtClient {
	return &mockArtClient{delay: delay, complete: complete}
}

func (m *mockArtClient) Queue(_ context.Context, job artJob) error {
	go func() {
		time.Sleep(m.delay)
		m.complete(job, []string{placeholderArtifact()})
	}()
	return nil
}

// placeholderArtifact is a 1x1 transparent PNG, base64-encoded the same way
// real uploads are stored.
func placeholderArtifact() string {
	png := []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
		0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
		0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
		0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
	}
	return base64.StdEncoding.EncodeToString(png)
}
