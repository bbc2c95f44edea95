package compression

import (
	"bytes"
	"strings"
	"testing"
)

func TestDefaultConfigDisablesCompressionByDefault(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.Enabled {
		t.Error("expected a fresh config to have compression disabled")
	}
	if cfg.Algorithm != CompressorGzip {
		t.Errorf("Algorithm = %s, want %s", cfg.Algorithm, CompressorGzip)
	}
	if cfg.MinSize != 1024 {
		t.Errorf("MinSize = %d, want 1024", cfg.MinSize)
	}
	if cfg.Level != -1 {
		t.Errorf("Level = %d, want -1 (library default)", cfg.Level)
	}
}

func TestConfigBuilderChainsEveryField(t *testing.T) {
	cfg := NewDefaultConfig().
		WithEnabled(true).
		WithAlgorithm(CompressorDeflate).
		WithMinSize(2048).
		WithLevel(6)

	if !cfg.Enabled {
		t.Error("expected WithEnabled(true) to stick")
	}
	if cfg.Algorithm != CompressorDeflate {
		t.Errorf("Algorithm = %s, want %s", cfg.Algorithm, CompressorDeflate)
	}
	if cfg.MinSize != 2048 {
		t.Errorf("MinSize = %d, want 2048", cfg.MinSize)
	}
	if cfg.Level != 6 {
		t.Errorf("Level = %d, want 6", cfg.Level)
	}
}

func TestNoOpCompressorPassesDataThroughUnchanged(t *testing.T) {
	c := NewNoOpCompressor()
	if c.Name() != "none" {
		t.Errorf("Name() = %s, want none", c.Name())
	}

	original := []byte("a memoized result that is too small to bother compressing")
	compressed, err := c.Compress(original)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !bytes.Equal(compressed, original) {
		t.Error("no-op compressor must return the input unchanged")
	}

	decompressed, err := c.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Error("no-op decompressor must return the input unchanged")
	}
}

// TestRealCompressorsRoundTripAndShrinkRepetitiveData exercises both
// backing algorithms against the same table: each must round-trip
// exactly and must actually shrink the kind of repetitive payload a
// cached function result typically is.
func TestRealCompressorsRoundTripAndShrinkRepetitiveData(t *testing.T) {
	cases := []struct {
		name       string
		compressor Compressor
		want       string
	}{
		{"gzip default level", NewGzipCompressor(-1), "gzip"},
		{"deflate default level", NewDeflateCompressor(-1), "deflate"},
	}

	payload := []byte(strings.Repeat("memoized-result-chunk ", 150))

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.compressor.Name() != tc.want {
				t.Errorf("Name() = %s, want %s", tc.compressor.Name(), tc.want)
			}

			compressed, err := tc.compressor.Compress(payload)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if len(compressed) >= len(payload) {
				t.Errorf("compressed size %d did not shrink below original %d", len(compressed), len(payload))
			}

			decompressed, err := tc.compressor.Decompress(compressed)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(decompressed, payload) {
				t.Error("round-tripped data does not match original")
			}
		})
	}
}

func TestGzipCompressorAcrossLevels(t *testing.T) {
	payload := []byte(strings.Repeat("level-sweep ", 200))

	for _, level := range []int{1, 6, 9} {
		compressor := NewGzipCompressor(level)
		compressed, err := compressor.Compress(payload)
		if err != nil {
			t.Errorf("level %d: Compress: %v", level, err)
			continue
		}
		decompressed, err := compressor.Decompress(compressed)
		if err != nil {
			t.Errorf("level %d: Decompress: %v", level, err)
			continue
		}
		if !bytes.Equal(decompressed, payload) {
			t.Errorf("level %d: round trip mismatch", level)
		}
	}
}

func TestNewCompressorSelectsByConfig(t *testing.T) {
	cases := []struct {
		name     string
		cfg      *Config
		expected string
		wantErr  bool
	}{
		{"nil config falls back to no-op", nil, "none", false},
		{"disabled config falls back to no-op", &Config{Enabled: false, Algorithm: CompressorGzip}, "none", false},
		{"explicit none algorithm", &Config{Enabled: true, Algorithm: CompressorNone}, "none", false},
		{"gzip algorithm", &Config{Enabled: true, Algorithm: CompressorGzip, Level: 6}, "gzip", false},
		{"deflate algorithm", &Config{Enabled: true, Algorithm: CompressorDeflate, Level: 6}, "deflate", false},
		{"unknown algorithm errors", &Config{Enabled: true, Algorithm: "lz4"}, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			compressor, err := NewCompressor(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Error("expected an error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewCompressor: %v", err)
			}
			if compressor.Name() != tc.expected {
				t.Errorf("Name() = %s, want %s", compressor.Name(), tc.expected)
			}
		})
	}
}

// cachedResult mirrors the shape of an actual memoized function result:
// a small struct, the common case pkg/memoize.Memoized.encode serializes
// on every Put.
type cachedResult struct {
	Query string   `json:"query"`
	Rows  []string `json:"rows"`
}

func TestSerializeAndCompressRespectsMinSizeThreshold(t *testing.T) {
	compressor := NewGzipCompressor(-1)

	t.Run("below threshold stays uncompressed", func(t *testing.T) {
		small := cachedResult{Query: "select 1", Rows: []string{"1"}}
		data, wasCompressed, err := SerializeAndCompress(small, compressor, 1000)
		if err != nil {
			t.Fatalf("SerializeAndCompress: %v", err)
		}
		if wasCompressed {
			t.Error("expected small result to stay uncompressed")
		}
		if len(data) == 0 {
			t.Error("expected non-empty serialized result")
		}
	})

	t.Run("above threshold gets compressed", func(t *testing.T) {
		rows := make([]string, 200)
		for i := range rows {
			rows[i] = "duplicate-row-value"
		}
		big := cachedResult{Query: "select * from wide_table", Rows: rows}
		data, wasCompressed, err := SerializeAndCompress(big, compressor, 100)
		if err != nil {
			t.Fatalf("SerializeAndCompress: %v", err)
		}
		if !wasCompressed {
			t.Error("expected a large, repetitive result to be compressed")
		}
		if len(data) == 0 {
			t.Error("expected non-empty compressed result")
		}
	})

	t.Run("incompressible payload still returns a usable result", func(t *testing.T) {
		entropy := cachedResult{Query: "n0nC0mpress1ble!@#$%^&*()_+", Rows: []string{"aB3$xQ9!pL7&mN2^wR5*tY8#kF1@vC6%hJ4"}}
		data, _, err := SerializeAndCompress(entropy, compressor, 10)
		if err != nil {
			t.Fatalf("SerializeAndCompress: %v", err)
		}
		if len(data) == 0 {
			t.Error("expected non-empty result regardless of whether compression helped")
		}
	})
}

func TestDecompressAndDeserializeReversesEitherPath(t *testing.T) {
	original := cachedResult{Query: "select name from users", Rows: []string{"alice", "bob"}}
	compressor := NewGzipCompressor(-1)

	t.Run("compressed path", func(t *testing.T) {
		rows := make([]string, 50)
		for i := range rows {
			rows[i] = "alice"
		}
		large := cachedResult{Query: original.Query, Rows: rows}
		data, wasCompressed, err := SerializeAndCompress(large, compressor, 1)
		if err != nil {
			t.Fatalf("SerializeAndCompress: %v", err)
		}
		if !wasCompressed {
			t.Fatal("expected the repetitive payload to be compressed")
		}

		var got cachedResult
		if err := DecompressAndDeserialize(data, wasCompressed, compressor, &got); err != nil {
			t.Fatalf("DecompressAndDeserialize: %v", err)
		}
		if got.Query != large.Query || len(got.Rows) != len(large.Rows) {
			t.Errorf("got %+v, want %+v", got, large)
		}
	})

	t.Run("uncompressed path", func(t *testing.T) {
		data, wasCompressed, err := SerializeAndCompress(original, compressor, 10_000)
		if err != nil {
			t.Fatalf("SerializeAndCompress: %v", err)
		}
		if wasCompressed {
			t.Fatal("expected the tiny payload to bypass compression")
		}

		var got cachedResult
		if err := DecompressAndDeserialize(data, wasCompressed, compressor, &got); err != nil {
			t.Fatalf("DecompressAndDeserialize: %v", err)
		}
		if got.Query != original.Query || len(got.Rows) != len(original.Rows) {
			t.Errorf("got %+v, want %+v", got, original)
		}
	})
}

func TestRoundTripAcrossEveryCompressor(t *testing.T) {
	original := struct {
		ID       int               `json:"id"`
		Name     string            `json:"name"`
		Tags     []string          `json:"tags"`
		Metadata map[string]string `json:"metadata"`
	}{
		ID:   123,
		Name: "test user",
		Tags: []string{"admin", "power-user"},
		Metadata: map[string]string{
			"country": "US",
			"tier":    "premium",
		},
	}

	compressors := []Compressor{
		NewNoOpCompressor(),
		NewGzipCompressor(-1),
		NewDeflateCompressor(-1),
	}

	for _, c := range compressors {
		t.Run(c.Name(), func(t *testing.T) {
			data, wasCompressed, err := SerializeAndCompress(original, c, 1)
			if err != nil {
				t.Fatalf("SerializeAndCompress: %v", err)
			}

			var got struct {
				ID       int               `json:"id"`
				Name     string            `json:"name"`
				Tags     []string          `json:"tags"`
				Metadata map[string]string `json:"metadata"`
			}
			if err := DecompressAndDeserialize(data, wasCompressed, c, &got); err != nil {
				t.Fatalf("DecompressAndDeserialize: %v", err)
			}

			if got.ID != original.ID {
				t.Errorf("ID = %d, want %d", got.ID, original.ID)
			}
			if got.Name != original.Name {
				t.Errorf("Name = %s, want %s", got.Name, original.Name)
			}
			if len(got.Tags) != len(original.Tags) {
				t.Errorf("len(Tags) = %d, want %d", len(got.Tags), len(original.Tags))
			}
			if len(got.Metadata) != len(original.Metadata) {
				t.Errorf("len(Metadata) = %d, want %d", len(got.Metadata), len(original.Metadata))
			}
		})
	}
}

func TestCompressorsSatisfyInterface(t *testing.T) {
	var _ Compressor = (*NoOpCompressor)(nil)
	var _ Compressor = (*GzipCompressor)(nil)
	var _ Compressor = (*DeflateCompressor)(nil)
}
