package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	defaultSeqLen       = 256
	defaultIntraThreads = 1
	defaultInterThreads = 1
	modelFileName       = "model.onnx"
	labelMapFileName    = "label_map.json"
)

// ONNXOptions configures the transformer backend.
type ONNXOptions struct {
	BundleDir    string
	SeqLen       int
	Sessions     int
	IntraThreads int
	InterThreads int
	// AtRiskLabel names the positive class in label_map.json. Empty picks a
	// label containing "suicid" that is not negated, or index 1.
	AtRiskLabel string
}

type onnxSession struct {
	session       *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	output        *ort.Tensor[float32]
}

func (s *onnxSession) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	s.inputIDs.Destroy()
	s.attentionMask.Destroy()
	s.output.Destroy()
}

// ONNXModel runs a fine-tuned sequence classifier through onnxruntime.
// Sessions are pooled; Close waits for in-flight runs to return theirs.
type ONNXModel struct {
	tokenizer *WordPiece
	labels    []string
	atRiskIdx int
	seqLen    int
	version   string

	sessions chan *onnxSession
	poolSize int

	closeOnce sync.Once
	done      chan struct{}
}

// LoadONNX initializes the runtime and creates opts.Sessions sessions over
// <bundle>/model.onnx.
func LoadONNX(opts ONNXOptions) (*ONNXModel, error) {
	bundleDir := strings.TrimSpace(opts.BundleDir)
	if bundleDir == "" {
		return nil, errors.New("bundleDir is empty")
	}
	seqLen := opts.SeqLen
	if seqLen <= 0 {
		seqLen = defaultSeqLen
	}
	poolSize := opts.Sessions
	if poolSize <= 0 {
		poolSize = 1
	}
	intraThr := opts.IntraThreads
	if intraThr <= 0 {
		intraThr = defaultIntraThreads
	}
	interThr := opts.InterThreads
	if interThr <= 0 {
		interThr = defaultInterThreads
	}

	modelPath := filepath.Join(bundleDir, modelFileName)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", modelPath, err)
	}
	manifest, err := VerifyBundle(bundleDir)
	if err != nil {
		return nil, err
	}
	labels, err := loadLabels(filepath.Join(bundleDir, labelMapFileName))
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}
	atRiskIdx, err := resolveAtRiskIndex(labels, opts.AtRiskLabel)
	if err != nil {
		return nil, err
	}
	tokenizer, err := LoadTokenizer(bundleDir)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	libPath := resolveSharedLibraryPath(bundleDir)
	if libPath == "" {
		return nil, fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	version := "unversioned"
	if manifest != nil && manifest.Version != "" {
		version = manifest.Version
	} else if st, err := LoadBundleState(filepath.Dir(bundleDir)); err == nil && st.CurrentVersion != "" {
		version = st.CurrentVersion
	} else if base := filepath.Base(bundleDir); base != "." && base != string(filepath.Separator) {
		version = base
	}

	m := &ONNXModel{
		tokenizer: tokenizer,
		labels:    labels,
		atRiskIdx: atRiskIdx,
		seqLen:    seqLen,
		version:   version,
		sessions:  make(chan *onnxSession, poolSize),
		poolSize:  poolSize,
		done:      make(chan struct{}),
	}
	for i := 0; i < poolSize; i++ {
		s, err := newONNXSession(modelPath, seqLen, len(labels), intraThr, interThr)
		if err != nil {
			m.destroyPooled()
			return nil, fmt.Errorf("create onnx session %d/%d: %w", i+1, poolSize, err)
		}
		m.sessions <- s
	}
	return m, nil
}

func newONNXSession(modelPath string, seqLen, numLabels, intraThr, interThr int) (*onnxSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(intraThr); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(interThr); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	inputShape := ort.NewShape(1, int64(seqLen))
	inputIDs, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate input_ids tensor: %w", err)
	}
	attnMask, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		inputIDs.Destroy()
		return nil, fmt.Errorf("allocate attention_mask tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(numLabels)))
	if err != nil {
		inputIDs.Destroy()
		attnMask.Destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]ort.Value{inputIDs, attnMask},
		[]ort.Value{output},
		opts,
	)
	if err != nil {
		inputIDs.Destroy()
		attnMask.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return &onnxSession{session: session, inputIDs: inputIDs, attentionMask: attnMask, output: output}, nil
}

func (m *ONNXModel) Ready() bool {
	if m == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *ONNXModel) Info() Info {
	return Info{Backend: "onnx", Version: m.version, Device: "cpu"}
}

// Classify tokenizes text and runs one pooled session.
func (m *ONNXModel) Classify(ctx context.Context, text string) (Result, error) {
	if !m.Ready() {
		return Result{}, ErrModelUnavailable
	}

	var s *onnxSession
	select {
	case s = <-m.sessions:
	case <-m.done:
		return Result{}, ErrModelUnavailable
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { m.sessions <- s }()

	ids, mask := m.tokenizer.Encode(text, m.seqLen)
	copy(s.inputIDs.GetData(), ids)
	copy(s.attentionMask.GetData(), mask)
	if err := s.session.Run(); err != nil {
		return Result{}, fmt.Errorf("onnx run: %w", err)
	}
	return probabilityFromLogits(s.output.GetData(), m.atRiskIdx)
}

// Close marks the model unavailable, waits for every session to be returned
// to the pool and destroys them.
func (m *ONNXModel) Close() error {
	if m == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		close(m.done)
		for i := 0; i < m.poolSize; i++ {
			s := <-m.sessions
			s.destroy()
		}
	})
	return nil
}

func (m *ONNXModel) destroyPooled() {
	for {
		select {
		case s := <-m.sessions:
			s.destroy()
		default:
			return
		}
	}
}

// probabilityFromLogits uses softmax for multi-class heads and a sigmoid for
// a single logit.
func probabilityFromLogits(logits []float32, atRiskIdx int) (Result, error) {
	switch {
	case len(logits) == 0:
		return Result{}, errors.New("model produced no logits")
	case len(logits) == 1:
		return FromProbability(sigmoid(float64(logits[0])))
	case atRiskIdx < 0 || atRiskIdx >= len(logits):
		return Result{}, fmt.Errorf("at-risk index %d out of range for %d logits", atRiskIdx, len(logits))
	}
	return FromProbability(softmax(logits)[atRiskIdx])
}

// loadLabels accepts either a JSON array or an {"index": "label"} object.
func loadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseLabels(data)
}

func parseLabels(data []byte) ([]string, error) {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil && len(arr) > 0 {
		return arr, nil
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, errors.New("label map is empty")
	}
	out := make([]string, len(m))
	for k, v := range m {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid label index %q: %w", k, err)
		}
		if idx < 0 || idx >= len(m) {
			return nil, fmt.Errorf("label index %d out of range", idx)
		}
		out[idx] = v
	}
	return out, nil
}

func resolveAtRiskIndex(labels []string, want string) (int, error) {
	if want = strings.TrimSpace(want); want != "" {
		for i, l := range labels {
			if strings.EqualFold(l, want) {
				return i, nil
			}
		}
		return 0, fmt.Errorf("at-risk label %q not in label map %v", want, labels)
	}
	for i, l := range labels {
		l = strings.ToLower(l)
		if strings.Contains(l, "suicid") && !strings.HasPrefix(l, "non") && !strings.HasPrefix(l, "not") {
			return i, nil
		}
	}
	if len(labels) > 1 {
		return 1, nil
	}
	return 0, nil
}

// resolveSharedLibraryPath prefers ONNXRUNTIME_SHARED_LIBRARY_PATH, then
// probes the bundle and common system locations.
func resolveSharedLibraryPath(bundleDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}
	names := []string{
		"libonnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		bundleDir,
		filepath.Join(bundleDir, "lib"),
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
