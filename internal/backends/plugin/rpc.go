package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"sync"

	"kidney-classifier/internal/core"

	"github.com/google/uuid"
)

type HeadArgs struct {
	Handle  string
	Classes int
}

type TrainableArgs struct {
	Handle    string
	Index     int
	Trainable bool
}

type CompileArgs struct {
	Handle  string
	Options core.CompileOptions
}

type BatchArgs struct {
	Handle string
	Batch  core.Batch
}

type SaveArgs struct {
	Handle string
	Path   string
}

// RPCClient is the net/rpc side of the plugin that runs in the pipeline process.
type RPCClient struct{ client *rpc.Client }

// call issues method and waits for the reply or for ctx to finish. A cancelled
// call keeps running in the plugin; its reply is discarded.
func (m *RPCClient) call(ctx context.Context, method string, args, reply any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	call := m.client.Go("Plugin."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-call.Done:
		return remoteError(res.Error)
	}
}

// remoteError restores sentinel errors that lost their identity crossing the
// process boundary.
func remoteError(err error) error {
	var serverErr rpc.ServerError
	if errors.As(err, &serverErr) && string(serverErr) == core.ErrUnsupported.Error() {
		return core.ErrUnsupported
	}
	return err
}

func (m *RPCClient) FetchPretrained(ctx context.Context, opts core.PretrainedOptions) (core.Model, error) {
	var handle string
	if err := m.call(ctx, "FetchPretrained", opts, &handle); err != nil {
		return nil, fmt.Errorf("error fetching pretrained %s: %w", opts.Architecture, err)
	}
	return &remoteModel{rpc: m, handle: handle}, nil
}

func (m *RPCClient) Load(ctx context.Context, path string) (core.Model, error) {
	var handle string
	if err := m.call(ctx, "Load", path, &handle); err != nil {
		return nil, fmt.Errorf("error loading model %s: %w", path, err)
	}
	return &remoteModel{rpc: m, handle: handle}, nil
}

func (m *RPCClient) Close() error {
	return nil
}

type remoteModel struct {
	rpc    *RPCClient
	handle string
}

func (r *remoteModel) Layers() ([]core.Layer, error) {
	var layers []core.Layer
	err := r.rpc.call(context.Background(), "Layers", r.handle, &layers)
	return layers, err
}

func (r *remoteModel) SetTrainable(index int, trainable bool) error {
	var ok bool
	return r.rpc.call(context.Background(), "SetTrainable", TrainableArgs{Handle: r.handle, Index: index, Trainable: trainable}, &ok)
}

func (r *remoteModel) AddClassificationHead(classes int) error {
	var ok bool
	return r.rpc.call(context.Background(), "AddClassificationHead", HeadArgs{Handle: r.handle, Classes: classes}, &ok)
}

func (r *remoteModel) Compile(opts core.CompileOptions) error {
	var ok bool
	return r.rpc.call(context.Background(), "Compile", CompileArgs{Handle: r.handle, Options: opts}, &ok)
}

func (r *remoteModel) TrainOnBatch(ctx context.Context, batch *core.Batch) (core.Metrics, error) {
	var metrics core.Metrics
	err := r.rpc.call(ctx, "TrainOnBatch", BatchArgs{Handle: r.handle, Batch: *batch}, &metrics)
	return metrics, err
}

func (r *remoteModel) TestOnBatch(ctx context.Context, batch *core.Batch) (core.Metrics, error) {
	var metrics core.Metrics
	err := r.rpc.call(ctx, "TestOnBatch", BatchArgs{Handle: r.handle, Batch: *batch}, &metrics)
	return metrics, err
}

func (r *remoteModel) Predict(ctx context.Context, batch *core.Batch) ([][]float32, error) {
	var probs [][]float32
	err := r.rpc.call(ctx, "Predict", BatchArgs{Handle: r.handle, Batch: *batch}, &probs)
	return probs, err
}

func (r *remoteModel) Save(path string) error {
	var ok bool
	return r.rpc.call(context.Background(), "Save", SaveArgs{Handle: r.handle, Path: path}, &ok)
}

func (r *remoteModel) Release() {
	var ok bool
	_ = r.rpc.call(context.Background(), "Release", r.handle, &ok)
}

// RPCServer is the net/rpc side that runs in the plugin process and serves a
// core.Backend. Models stay in the plugin process and are addressed by handle.
type RPCServer struct {
	Impl core.Backend

	mu     sync.Mutex
	models map[string]core.Model
}

func NewRPCServer(impl core.Backend) *RPCServer {
	return &RPCServer{Impl: impl, models: make(map[string]core.Model)}
}

func (s *RPCServer) register(model core.Model) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := uuid.NewString()
	s.models[handle] = model
	return handle
}

func (s *RPCServer) model(handle string) (core.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	model, ok := s.models[handle]
	if !ok {
		return nil, fmt.Errorf("unknown model handle %s", handle)
	}
	return model, nil
}

func (s *RPCServer) FetchPretrained(opts core.PretrainedOptions, resp *string) error {
	model, err := s.Impl.FetchPretrained(context.Background(), opts)
	if err != nil {
		return err
	}
	*resp = s.register(model)
	return nil
}

func (s *RPCServer) Load(path string, resp *string) error {
	model, err := s.Impl.Load(context.Background(), path)
	if err != nil {
		return err
	}
	*resp = s.register(model)
	return nil
}

func (s *RPCServer) Layers(handle string, resp *[]core.Layer) error {
	model, err := s.model(handle)
	if err != nil {
		return err
	}
	layers, err := model.Layers()
	*resp = layers
	return err
}

func (s *RPCServer) SetTrainable(args TrainableArgs, resp *bool) error {
	model, err := s.model(args.Handle)
	if err != nil {
		return err
	}
	*resp = true
	return model.SetTrainable(args.Index, args.Trainable)
}

func (s *RPCServer) AddClassificationHead(args HeadArgs, resp *bool) error {
	model, err := s.model(args.Handle)
	if err != nil {
		return err
	}
	*resp = true
	return model.AddClassificationHead(args.Classes)
}

func (s *RPCServer) Compile(args CompileArgs, resp *bool) error {
	model, err := s.model(args.Handle)
	if err != nil {
		return err
	}
	*resp = true
	return model.Compile(args.Options)
}

func (s *RPCServer) TrainOnBatch(args BatchArgs, resp *core.Metrics) error {
	model, err := s.model(args.Handle)
	if err != nil {
		return err
	}
	metrics, err := model.TrainOnBatch(context.Background(), &args.Batch)
	*resp = metrics
	return err
}

func (s *RPCServer) TestOnBatch(args BatchArgs, resp *core.Metrics) error {
	model, err := s.model(args.Handle)
	if err != nil {
		return err
	}
	metrics, err := model.TestOnBatch(context.Background(), &args.Batch)
	*resp = metrics
	return err
}

func (s *RPCServer) Predict(args BatchArgs, resp *[][]float32) error {
	model, err := s.model(args.Handle)
	if err != nil {
		return err
	}
	probs, err := model.Predict(context.Background(), &args.Batch)
	*resp = probs
	return err
}

func (s *RPCServer) Save(args SaveArgs, resp *bool) error {
	model, err := s.model(args.Handle)
	if err != nil {
		return err
	}
	*resp = true
	return model.Save(args.Path)
}

func (s *RPCServer) Release(handle string, resp *bool) error {
	s.mu.Lock()
	model, ok := s.models[handle]
	delete(s.models, handle)
	s.mu.Unlock()

	if ok {
		model.Release()
	}
	*resp = true
	return nil
}
