package embeddings

import "testing"

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	v := []float32{0.1, 0.2, 0.3, -0.4}
	b, err := Serialize(v)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := Deserialize(b)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if len(got) != len(v) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(v))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Fatalf("element %d: got %v want %v", i, got[i], v[i])
		}
	}
}

func TestSerializeEmptyIsNil(t *testing.T) {
	b, err := Serialize(nil)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if b != nil {
		t.Fatalf("expected nil bytes for empty vector")
	}
}

func TestNoopProviderAlwaysUnavailable(t *testing.T) {
	p := NewNoopProvider(384)
	if p.Available() {
		t.Fatalf("noop provider should report unavailable")
	}
	v, ok, err := p.Embed(nil, "hello")
	if ok || v != nil || err != nil {
		t.Fatalf("noop provider Embed should return (nil, false, nil), got (%v, %v, %v)", v, ok, err)
	}
	if p.Dimension() != 384 {
		t.Fatalf("dimension = %d, want 384", p.Dimension())
	}
}

func TestChunkBySentencesRespectsBoundaries(t *testing.T) {
	text := "This is sentence one. This is sentence two. This is sentence three."
	chunks := chunkBySentences(text, 5)
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	for _, c := range chunks {
		if c == "" {
			t.Fatalf("empty chunk produced")
		}
	}
}
