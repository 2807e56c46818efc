package provider

import (
	"math/rand/v2"
	"strconv"
)

// GenerationRequest is the backend-neutral description of one image.
type GenerationRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Seed           int64 // 0 picks a random seed
	Checkpoint     string
	Steps          int
	CFG            float64
	Sampler        string
	Scheduler      string
	FilenamePrefix string
}

// Workflow defaults used when a request leaves a field empty.
const (
	DefaultCheckpoint = "dreamshaper_8.safetensors"
	DefaultSteps      = 30
	DefaultCFG        = 7.0
	DefaultSampler    = "dpmpp_2m"
	DefaultScheduler  = "karras"
	DefaultNegative   = "text, watermark, signature, blurry, perspective view, isometric, people, characters"
)

// Node ids in the generated graph.
const (
	nodeSampler    = "3"
	nodeCheckpoint = "4"
	nodeLatent     = "5"
	nodePositive   = "6"
	nodeNegative   = "7"
	nodeDecode     = "8"
	nodeSave       = "9"
)

// BuildWorkflow returns a ComfyUI API-format text-to-image graph.
func BuildWorkflow(req GenerationRequest) map[string]any {
	withDefaults(&req)

	link := func(node string, output int) []any { return []any{node, output} }

	return map[string]any{
		nodeSampler: map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"seed":         req.Seed,
				"steps":        req.Steps,
				"cfg":          req.CFG,
				"sampler_name": req.Sampler,
				"scheduler":    req.Scheduler,
				"denoise":      1.0,
				"model":        link(nodeCheckpoint, 0),
				"positive":     link(nodePositive, 0),
				"negative":     link(nodeNegative, 0),
				"latent_image": link(nodeLatent, 0),
			},
		},
		nodeCheckpoint: map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": req.Checkpoint},
		},
		nodeLatent: map[string]any{
			"class_type": "EmptyLatentImage",
			"inputs": map[string]any{
				"width":      req.Width,
				"height":     req.Height,
				"batch_size": 1,
			},
		},
		nodePositive: map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": req.Prompt, "clip": link(nodeCheckpoint, 1)},
		},
		nodeNegative: map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": req.NegativePrompt, "clip": link(nodeCheckpoint, 1)},
		},
		nodeDecode: map[string]any{
			"class_type": "VAEDecode",
			"inputs":     map[string]any{"samples": link(nodeSampler, 0), "vae": link(nodeCheckpoint, 2)},
		},
		nodeSave: map[string]any{
			"class_type": "SaveImage",
			"inputs":     map[string]any{"filename_prefix": req.FilenamePrefix, "images": link(nodeDecode, 0)},
		},
	}
}

func withDefaults(req *GenerationRequest) {
	if req.Width <= 0 {
		req.Width = 1536
	}
	if req.Height <= 0 {
		req.Height = req.Width
	}
	if req.Seed == 0 {
		req.Seed = rand.Int64N(1 << 48)
	}
	if req.Checkpoint == "" {
		req.Checkpoint = DefaultCheckpoint
	}
	if req.Steps <= 0 {
		req.Steps = DefaultSteps
	}
	if req.CFG <= 0 {
		req.CFG = DefaultCFG
	}
	if req.Sampler == "" {
		req.Sampler = DefaultSampler
	}
	if req.Scheduler == "" {
		req.Scheduler = DefaultScheduler
	}
	if req.NegativePrompt == "" {
		req.NegativePrompt = DefaultNegative
	}
	if req.FilenamePrefix == "" {
		req.FilenamePrefix = "battlemap_" + strconv.FormatInt(req.Seed, 36)
	}
}
