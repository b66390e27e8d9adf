package onnxengine

import (
	"math/rand"
	"sort"

	"github.com/viterin/vek/vek32"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/kakaly/mlxhost/internal/protocol"
)

// runStep runs one forward pass over ids and returns the final position's
// logits. Real deployments would reuse a KV cache across steps; this
// reference engine keeps the per-step contract simple and re-encodes the
// full sequence, favoring clarity over throughput.
func runStep(session *ort.DynamicAdvancedSession, ids []uint32) ([]float32, error) {
	shape := ort.NewShape(1, int64(len(ids)))
	data := make([]int64, len(ids))
	for i, id := range ids {
		data[i] = int64(id)
	}

	input, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(ids)), vocabStride))
	if err != nil {
		return nil, err
	}
	defer output.Destroy()

	if err := session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, err
	}

	full := output.GetData()
	last := full[len(full)-vocabStride:]
	logits := make([]float32, vocabStride)
	copy(logits, last)
	return logits, nil
}

// vocabStride is the model's vocabulary size. A reference engine wired to a
// real model resolves this from the ONNX graph's output shape at load time;
// it is fixed here to keep the sampling step self-contained.
const vocabStride = 32000

// sampleNext applies temperature, top-k, and top-p filtering and draws the
// next token. Temperature scaling, softmax and renormalization use vek32;
// top-k and top-p selection sort the probabilities and loop over them.
// Returns stop=true if the sampled token is the end-of-sequence sentinel.
func sampleNext(logits []float32, sampling *protocol.SamplingParams) (uint32, bool) {
	temperature := float32(1.0)
	topK := 0
	topP := float32(1.0)

	if sampling != nil {
		if sampling.Temperature != nil && *sampling.Temperature > 0 {
			temperature = float32(*sampling.Temperature)
		}
		if sampling.TopK != nil && *sampling.TopK > 0 {
			topK = *sampling.TopK
		}
		if sampling.TopP != nil && *sampling.TopP > 0 {
			topP = float32(*sampling.TopP)
		}
	}

	scaled := make([]float32, len(logits))
	vek32.DivNumber_Into(scaled, logits, temperature)

	probs := softmax(scaled)

	if topK > 0 && topK < len(probs) {
		probs = keepTopK(probs, topK)
	}
	if topP < 1.0 {
		probs = keepTopP(probs, topP)
	}

	id := sampleFromDistribution(probs)
	return uint32(id), uint32(id) == eosTokenID
}

func softmax(logits []float32) []float32 {
	maxVal := vek32.Max(logits)
	shifted := make([]float32, len(logits))
	vek32.SubNumber_Into(shifted, logits, maxVal)

	exps := vek32.Exp(shifted)
	sum := vek32.Sum(exps)
	if sum == 0 {
		sum = 1
	}

	probs := make([]float32, len(exps))
	vek32.DivNumber_Into(probs, exps, sum)
	return probs
}

type indexedProb struct {
	idx  int
	prob float32
}

func keepTopK(probs []float32, k int) []float32 {
	ranked := make([]indexedProb, len(probs))
	for i, p := range probs {
		ranked[i] = indexedProb{idx: i, prob: p}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].prob > ranked[j].prob })

	out := make([]float32, len(probs))
	for i := 0; i < k && i < len(ranked); i++ {
		out[ranked[i].idx] = ranked[i].prob
	}
	return renormalize(out)
}

func keepTopP(probs []float32, p float32) []float32 {
	ranked := make([]indexedProb, len(probs))
	for i, pr := range probs {
		ranked[i] = indexedProb{idx: i, prob: pr}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].prob > ranked[j].prob })

	out := make([]float32, len(probs))
	var cumulative float32
	for _, r := range ranked {
		if cumulative >= p {
			break
		}
		out[r.idx] = r.prob
		cumulative += r.prob
	}
	return renormalize(out)
}

func renormalize(probs []float32) []float32 {
	sum := vek32.Sum(probs)
	if sum == 0 {
		return probs
	}
	out := make([]float32, len(probs))
	vek32.DivNumber_Into(out, probs, sum)
	return out
}

func sampleFromDistribution(probs []float32) int {
	r := rand.Float32()
	var cumulative float32
	for i, p := range probs {
		cumulative += p
		if r <= cumulative {
			return i
		}
	}
	return len(probs) - 1
}
