//go:build onnx

package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	defaultDims = 384
	maxSeqLen   = 128

	// Fixed BERT special-token ids.
	clsToken = 101
	sepToken = 102
	unkToken = 100
)

// Config locates the model files.
type Config struct {
	// ModelPath is the ONNX model file. Required.
	ModelPath string

	// TokenizerPath is the tokenizer.json carrying the WordPiece vocab.
	// Required.
	TokenizerPath string

	// LibraryPath overrides the onnxruntime shared library location. Falls
	// back to the ONNXRUNTIME_SHARED_LIBRARY environment variable, then the
	// system default.
	LibraryPath string

	// Dimensions is the embedding width.
	// Default 384 (all-MiniLM-L6-v2).
	Dimensions int
}

// Embedder runs a sentence-transformer ONNX model locally. The model loads
// lazily on first use; session access is serialized because onnxruntime
// sessions do not allow concurrent Run calls.
type Embedder struct {
	cfg Config

	// mu serializes all session access.
	mu      sync.Mutex
	once    sync.Once
	loadErr error
	session *ort.DynamicAdvancedSession
	vocab   map[string]int
}

// New validates cfg. The model is not loaded until the first Embed call.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnx: ModelPath is required")
	}
	if cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("onnx: TokenizerPath is required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = defaultDims
	}
	return &Embedder{cfg: cfg}, nil
}

func (e *Embedder) load() error {
	e.once.Do(func() {
		lib := e.cfg.LibraryPath
		if lib == "" {
			lib = os.Getenv("ONNXRUNTIME_SHARED_LIBRARY")
		}
		if lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			e.loadErr = fmt.Errorf("onnx: initialize runtime: %w", err)
			return
		}

		vocab, err := loadVocab(e.cfg.TokenizerPath)
		if err != nil {
			e.loadErr = fmt.Errorf("onnx: load tokenizer: %w", err)
			return
		}

		session, err := ort.NewDynamicAdvancedSession(e.cfg.ModelPath,
			[]string{"input_ids", "attention_mask", "token_type_ids"},
			[]string{"last_hidden_state"},
			nil,
		)
		if err != nil {
			e.loadErr = fmt.Errorf("onnx: create session: %w", err)
			return
		}

		e.vocab = vocab
		e.session = session
	})
	return e.loadErr
}

// Embed tokenizes text, runs the model and mean-pools the hidden states
// into one L2-normalized vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.load(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputIDs, attention := e.encode(text)
	tokenTypes := make([]int64, maxSeqLen)

	e.mu.Lock()
	defer e.mu.Unlock()

	shape := ort.NewShape(1, int64(maxSeqLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("onnx: create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, attention)
	if err != nil {
		return nil, fmt.Errorf("onnx: create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	typeTensor, err := ort.NewTensor(shape, tokenTypes)
	if err != nil {
		return nil, fmt.Errorf("onnx: create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputs := []ort.Value{nil}
	err = e.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, outputs)
	if err != nil {
		return nil, fmt.Errorf("onnx: inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	if len(outputs) == 0 || outputs[0] == nil {
		return nil, fmt.Errorf("onnx: no output tensor returned")
	}
	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: unexpected output tensor type")
	}

	return e.pool(tensor, attention)
}

// pool reduces the model output to one vector. Some exports ship an already
// pooled [1, dims] head, others the raw [1, seq, dims] hidden states that
// need mean pooling over attended positions.
func (e *Embedder) pool(tensor *ort.Tensor[float32], attention []int64) ([]float32, error) {
	data := tensor.GetData()
	shape := tensor.GetShape()
	dims := e.cfg.Dimensions

	switch len(shape) {
	case 2:
		if len(data) < dims {
			return nil, fmt.Errorf("onnx: output width %d, expected %d", len(data), dims)
		}
		out := make([]float32, dims)
		copy(out, data[:dims])
		return normalize(out), nil

	case 3:
		if shape[0] != 1 {
			return nil, fmt.Errorf("onnx: expected batch size 1, got %d", shape[0])
		}
		if shape[2] != int64(dims) {
			return nil, fmt.Errorf("onnx: hidden size %d, expected %d", shape[2], dims)
		}
		seqLen := int(shape[1])
		out := make([]float32, dims)
		attended := 0
		for i := 0; i < seqLen && i < len(attention); i++ {
			if attention[i] == 0 {
				continue
			}
			attended++
			offset := i * dims
			for j := 0; j < dims; j++ {
				out[j] += data[offset+j]
			}
		}
		if attended == 0 {
			return nil, fmt.Errorf("onnx: no attended tokens")
		}
		for j := range out {
			out[j] /= float32(attended)
		}
		return normalize(out), nil
	}
	return nil, fmt.Errorf("onnx: unexpected output shape %v", shape)
}

// encode produces the fixed-length [CLS] tokens... [SEP] input window with
// its attention mask, truncating long texts.
func (e *Embedder) encode(text string) (inputIDs, attention []int64) {
	tokens := e.tokenize(text)

	inputIDs = make([]int64, maxSeqLen)
	attention = make([]int64, maxSeqLen)

	inputIDs[0] = clsToken
	attention[0] = 1

	n := len(tokens)
	if n > maxSeqLen-2 {
		n = maxSeqLen - 2
	}
	for i := 0; i < n; i++ {
		inputIDs[i+1] = tokens[i]
		attention[i+1] = 1
	}

	inputIDs[n+1] = sepToken
	attention[n+1] = 1
	return inputIDs, attention
}

// tokenize lowercases, splits on whitespace and maps words through the
// WordPiece vocab, falling back to greedy subword matching.
func (e *Embedder) tokenize(text string) []int64 {
	var tokens []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}
		if id, ok := e.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}
		tokens = append(tokens, e.wordPiece(word)...)
	}
	return tokens
}

// wordPiece splits word into the longest vocab prefixes, "##"-prefixing
// continuations; a position with no match consumes one byte as [UNK].
func (e *Embedder) wordPiece(word string) []int64 {
	var ids []int64
	start := 0
	for start < len(word) {
		matched := false
		for end := len(word); end > start; end-- {
			sub := word[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := e.vocab[sub]; ok {
				ids = append(ids, int64(id))
				start = end
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, unkToken)
			start++
		}
	}
	return ids
}

func (e *Embedder) Dimensions() int { return e.cfg.Dimensions }

// Close releases the session. The shared runtime environment stays
// initialized for other embedders in the process.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return err
		}
		e.session = nil
	}
	return nil
}

func loadVocab(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("empty vocab in %s", path)
	}
	return file.Model.Vocab, nil
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
