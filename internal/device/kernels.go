package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Names of the kernels every SimDriver starts with.
const (
	KernelFill   = "fill"
	KernelAddI32 = "add_i32"
	KernelMatMul = "matmul"
	KernelSpin   = "spin"
	KernelFault  = "fault"
)

// errInjectedFault is what the fault kernel reports.
var errInjectedFault = errors.New("injected fault")

func builtinKernels() map[string]Kernel {
	return map[string]Kernel{
		KernelFill:   fillKernel,
		KernelAddI32: addI32Kernel,
		KernelMatMul: matMulKernel,
		KernelSpin:   spinKernel,
		KernelFault:  faultKernel,
	}
}

func needArgs(args KernelArgs, buffers, params int) error {
	if len(args.Buffers) < buffers {
		return fmt.Errorf("need %d buffers, got %d", buffers, len(args.Buffers))
	}
	if len(args.Params) < params {
		return fmt.Errorf("need %d params, got %d", params, len(args.Params))
	}
	return nil
}

// fillKernel sets every byte of Buffers[0] to Params[0].
func fillKernel(_ context.Context, args KernelArgs) error {
	if err := needArgs(args, 1, 1); err != nil {
		return err
	}
	v := byte(args.Params[0])
	data := args.Buffers[0].Bytes()
	for i := range data {
		data[i] = v
	}
	return nil
}

// addI32Kernel adds Params[0] to every little-endian int32 of Buffers[0].
func addI32Kernel(_ context.Context, args KernelArgs) error {
	if err := needArgs(args, 1, 1); err != nil {
		return err
	}
	data := args.Buffers[0].Bytes()
	if len(data)%4 != 0 {
		return fmt.Errorf("buffer of %d bytes is not an int32 array", len(data))
	}
	delta := int32(args.Params[0])
	for i := 0; i < len(data); i += 4 {
		PutInt32(data[i:], GetInt32(data[i:])+delta)
	}
	return nil
}

// matMulKernel computes C = A * B for float32 matrices where A is m×k, B is
// k×n and C is m×n, all row-major. Params are m, k, n.
func matMulKernel(_ context.Context, args KernelArgs) error {
	if err := needArgs(args, 3, 3); err != nil {
		return err
	}
	m, k, n := int(args.Params[0]), int(args.Params[1]), int(args.Params[2])
	if m <= 0 || k <= 0 || n <= 0 {
		return fmt.Errorf("invalid dimensions %dx%dx%d", m, k, n)
	}
	aBytes, bBytes, cBytes := args.Buffers[0].Bytes(), args.Buffers[1].Bytes(), args.Buffers[2].Bytes()
	if len(aBytes) < m*k*4 {
		return fmt.Errorf("matrix A size mismatch: expected %d bytes, got %d", m*k*4, len(aBytes))
	}
	if len(bBytes) < k*n*4 {
		return fmt.Errorf("matrix B size mismatch: expected %d bytes, got %d", k*n*4, len(bBytes))
	}
	if len(cBytes) < m*n*4 {
		return fmt.Errorf("matrix C size mismatch: expected %d bytes, got %d", m*n*4, len(cBytes))
	}

	a := mat.NewDense(m, k, Float32ToFloat64(BytesToFloat32(aBytes[:m*k*4])))
	b := mat.NewDense(k, n, Float32ToFloat64(BytesToFloat32(bBytes[:k*n*4])))

	var c mat.Dense
	c.Mul(a, b)

	PutFloat32s(cBytes, Float64ToFloat32(c.RawMatrix().Data))
	return nil
}

// spinKernel keeps the device busy for Params[0] microseconds.
func spinKernel(ctx context.Context, args KernelArgs) error {
	if err := needArgs(args, 0, 1); err != nil {
		return err
	}
	timer := time.NewTimer(time.Duration(args.Params[0]) * time.Microsecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// faultKernel always fails, like a core hitting an illegal instruction.
func faultKernel(context.Context, KernelArgs) error {
	return errInjectedFault
}
