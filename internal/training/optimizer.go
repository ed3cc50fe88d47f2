package training

import (
	"github.com/gomlx/compute/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const scheduleScope = "linear_schedule"

// gradientsOptimizer is implemented by gomlx optimizers that can apply precomputed
// gradients, Adam among them.
type gradientsOptimizer interface {
	optimizers.Interface
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// clippedOptimizer clips gradients by their global norm and drives the learning rate of
// the wrapped optimizer from a LinearSchedule before every update.
type clippedOptimizer struct {
	inner    gradientsOptimizer
	clipNorm float64
	schedule LinearSchedule
}

var _ optimizers.Interface = (*clippedOptimizer)(nil)

func newClippedOptimizer(opts Options, schedule LinearSchedule) *clippedOptimizer {
	adamW := optimizers.Adam().
		WeightDecay(opts.WeightDecay).
		LearningRate(opts.LearningRate).
		Done()

	return &clippedOptimizer{
		inner:    adamW.(gradientsOptimizer),
		clipNorm: opts.ClipNorm,
		schedule: schedule,
	}
}

func (o *clippedOptimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if o.clipNorm > 0 && len(grads) > 0 {
		grads = clipByGlobalNorm(grads, o.clipNorm)
	}

	dtype := loss.DType()
	lr := o.learningRateGraph(ctx, g, dtype)
	optimizers.LearningRateVarWithValue(ctx, dtype, o.schedule.Base).SetValueGraph(lr)

	o.inner.UpdateGraphWithGradients(ctx, grads, dtype)
}

func (o *clippedOptimizer) Clear(ctx *context.Context) error {
	return o.inner.Clear(ctx)
}

// learningRateGraph reads and increments the schedule's own step counter, returning
// the rate for the update being built. It mirrors LinearSchedule.At.
func (o *clippedOptimizer) learningRateGraph(ctx *context.Context, g *Graph, dtype dtypes.DType) *Node {
	stepVar := ctx.Checked(false).In(scheduleScope).
		VariableWithValue("step", int64(0)).
		SetTrainable(false)
	current := stepVar.ValueGraph(g)
	stepVar.SetValueGraph(AddScalar(current, 1))

	step := ConvertDType(current, dtype)
	warmup := o.schedule.Warmup
	total := o.schedule.Total

	warm := MulScalar(step, 1/float64(max(1, warmup)))
	remaining := AddScalar(Neg(step), float64(total))
	decay := Max(ScalarZero(g, dtype), MulScalar(remaining, 1/float64(max(1, total-warmup))))
	factor := Where(LessThan(step, ConstAsDType(g, dtype, float64(warmup))), warm, decay)

	return MulScalar(factor, o.schedule.Base)
}

// clipByGlobalNorm rescales all gradients by clipNorm/max(norm, clipNorm), where norm is
// the L2 norm of all gradients taken together.
func clipByGlobalNorm(grads []*Node, clipNorm float64) []*Node {
	var sumSquares *Node
	for _, grad := range grads {
		s := ConvertDType(ReduceAllSum(Square(grad)), dtypes.Float32)
		if sumSquares == nil {
			sumSquares = s
		} else {
			sumSquares = Add(sumSquares, s)
		}
	}

	g := sumSquares.Graph()
	norm := Sqrt(sumSquares)
	limit := ConstAsDType(g, dtypes.Float32, clipNorm)
	scale := Div(limit, Max(norm, limit))

	clipped := make([]*Node, len(grads))
	for i, grad := range grads {
		clipped[i] = Mul(grad, ConvertDType(scale, grad.DType()))
	}
	return clipped
}
