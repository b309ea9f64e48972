package clients

import "context"

// Model is the generative-model collaborator the pipeline depends on. The
// pipeline owns retry, backoff, and timeout policy around these calls; the
// implementation owns nothing but the call itself.
type Model interface {
	// GenerateJSON requests a structured response conforming to the given
	// JSON schema.
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error)
	// Embed returns one vector per input, index-aligned.
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}
