package model

import (
	"math"
	"testing"

	"github.com/samcharles93/electra/internal/params"
	"github.com/samcharles93/electra/internal/prng"
	"github.com/samcharles93/electra/internal/tensor"
)

func genConfig() Config {
	return Config{
		Architecture: ArchGenerator,
		VocabSize:    11,
		HiddenSize:   6,
		MaxPosition:  8,
		DropoutProb:  0,
	}
}

func discConfig() Config {
	cfg := genConfig()
	cfg.Architecture = ArchDiscriminator
	return cfg
}

func testInput() ApplyInput {
	return ApplyInput{
		InputIDs: [][]int32{
			{1, 5, 9, 2},
			{3, 7, 0, 10},
		},
		AttentionMask: [][]int32{
			{1, 1, 1, 1},
			{1, 1, 1, 1},
		},
	}
}

func TestApplyShapes(t *testing.T) {
	gen, err := New(genConfig())
	if err != nil {
		t.Fatal(err)
	}
	p := gen.Init(prng.NewKey(1))
	out, err := gen.Apply(p, testInput())
	if err != nil {
		t.Fatal(err)
	}
	if out.Logits.R != 8 || out.Logits.C != 11 {
		t.Fatalf("generator logits [%d,%d], want [8,11]", out.Logits.R, out.Logits.C)
	}

	disc, err := New(discConfig())
	if err != nil {
		t.Fatal(err)
	}
	pd := disc.Init(prng.NewKey(2))
	outD, err := disc.Apply(pd, testInput())
	if err != nil {
		t.Fatal(err)
	}
	if outD.Logits.R != 8 || outD.Logits.C != 1 {
		t.Fatalf("discriminator logits [%d,%d], want [8,1]", outD.Logits.R, outD.Logits.C)
	}
}

func TestApplyRejectsBadInput(t *testing.T) {
	gen, _ := New(genConfig())
	p := gen.Init(prng.NewKey(1))

	if _, err := gen.Apply(p, ApplyInput{}); err == nil {
		t.Fatal("empty batch accepted")
	}
	if _, err := gen.Apply(p, ApplyInput{InputIDs: [][]int32{{1, 2}, {3}}}); err == nil {
		t.Fatal("ragged batch accepted")
	}
	if _, err := gen.Apply(p, ApplyInput{InputIDs: [][]int32{{99}}}); err == nil {
		t.Fatal("out-of-vocabulary id accepted")
	}
	long := make([]int32, 9)
	if _, err := gen.Apply(p, ApplyInput{InputIDs: [][]int32{long}}); err == nil {
		t.Fatal("over-length sequence accepted")
	}
}

// scalarLoss contracts the logits with a fixed weighting so the loss
// gradient w.r.t. logits is exactly that weighting.
func scalarLoss(m *Model, p *params.Tree, in ApplyInput, weight tensor.Mat) float64 {
	out, err := m.Apply(p, in)
	if err != nil {
		panic(err)
	}
	var sum float64
	for i := range out.Logits.Data {
		sum += float64(weight.Data[i]) * float64(out.Logits.Data[i])
	}
	return sum
}

func checkGradients(t *testing.T, m *Model, p *params.Tree, in ApplyInput) {
	t.Helper()

	out, err := m.Apply(p, in)
	if err != nil {
		t.Fatal(err)
	}
	weight := tensor.NewMat(out.Logits.R, out.Logits.C)
	tensor.FillRand(&weight, 99)
	tensor.Scale(weight.Data, 100) // lift weights into (-1, 1)

	grads, _, err := m.Backward(p, in, out, &weight)
	if err != nil {
		t.Fatal(err)
	}

	const h = 1e-2
	for _, name := range p.Names() {
		leaf := p.MustGet(name)
		gLeaf := grads.MustGet(name)
		for i := range leaf.Data {
			orig := leaf.Data[i]

			leaf.Data[i] = orig + h
			up := scalarLoss(m, p, in, weight)
			leaf.Data[i] = orig - h
			down := scalarLoss(m, p, in, weight)
			leaf.Data[i] = orig

			numeric := (up - down) / (2 * h)
			analytic := float64(gLeaf.Data[i])
			if math.Abs(numeric-analytic) > 1e-3+0.05*math.Abs(analytic) {
				t.Fatalf("%s[%d]: numeric %v, analytic %v", name, i, numeric, analytic)
			}
		}
	}
}

func TestGeneratorGradients(t *testing.T) {
	m, err := New(genConfig())
	if err != nil {
		t.Fatal(err)
	}
	checkGradients(t, m, m.Init(prng.NewKey(3)), testInput())
}

func TestDiscriminatorGradients(t *testing.T) {
	m, err := New(discConfig())
	if err != nil {
		t.Fatal(err)
	}
	checkGradients(t, m, m.Init(prng.NewKey(4)), testInput())
}

func TestInputEmbedsOverride(t *testing.T) {
	m, err := New(discConfig())
	if err != nil {
		t.Fatal(err)
	}
	p := m.Init(prng.NewKey(5))

	in := testInput()
	embeds := tensor.NewMat(8, 6)
	tensor.FillRand(&embeds, 6)
	in.InputEmbeds = &embeds

	out, err := m.Apply(p, in)
	if err != nil {
		t.Fatal(err)
	}

	weight := tensor.NewMat(out.Logits.R, out.Logits.C)
	tensor.FillRand(&weight, 7)
	tensor.Scale(weight.Data, 100)

	grads, dX, err := m.Backward(p, in, out, &weight)
	if err != nil {
		t.Fatal(err)
	}

	// no lookup happened, so the tree carries no word-embedding gradient;
	// the caller routes dX instead
	for _, v := range grads.MustGet(WordEmbeddings).Data {
		if v != 0 {
			t.Fatal("word-embedding gradient scattered despite the embeds override")
		}
	}

	// dX is the gradient w.r.t. the override rows
	const h = 1e-2
	for _, i := range []int{0, 13, 29, 47} {
		orig := embeds.Data[i]
		embeds.Data[i] = orig + h
		up := scalarLoss(m, p, in, weight)
		embeds.Data[i] = orig - h
		down := scalarLoss(m, p, in, weight)
		embeds.Data[i] = orig

		numeric := (up - down) / (2 * h)
		analytic := float64(dX.Data[i])
		if math.Abs(numeric-analytic) > 1e-3+0.05*math.Abs(analytic) {
			t.Fatalf("dX[%d]: numeric %v, analytic %v", i, numeric, analytic)
		}
	}
}

func TestDropoutReplayDeterministic(t *testing.T) {
	cfg := genConfig()
	cfg.DropoutProb = 0.5
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p := m.Init(prng.NewKey(8))

	in := testInput()
	in.Train = true
	in.DropoutKey = prng.NewKey(100)

	a, err := m.Apply(p, in)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Apply(p, in)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Logits.Data {
		if a.Logits.Data[i] != b.Logits.Data[i] {
			t.Fatal("same dropout key produced different outputs")
		}
	}

	in.DropoutKey = prng.NewKey(101)
	c, err := m.Apply(p, in)
	if err != nil {
		t.Fatal(err)
	}
	same := true
	for i := range a.Logits.Data {
		if a.Logits.Data[i] != c.Logits.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different dropout keys produced identical outputs")
	}
}

func TestEvalIgnoresDropout(t *testing.T) {
	cfg := genConfig()
	cfg.DropoutProb = 0.5
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p := m.Init(prng.NewKey(9))

	in := testInput()
	a, err := m.Apply(p, in)
	if err != nil {
		t.Fatal(err)
	}
	in.DropoutKey = prng.NewKey(777)
	b, err := m.Apply(p, in)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Logits.Data {
		if a.Logits.Data[i] != b.Logits.Data[i] {
			t.Fatal("dropout applied outside training")
		}
	}
}
