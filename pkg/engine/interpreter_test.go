package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestInterpreterRequiresPipeline(t *testing.T) {
	it := NewInterpreter(NewPersistenceManager(NewRegistry()))
	if _, err := it.Parse(context.Background(), "hi"); !errors.Is(err, ErrNoPipeline) {
		t.Errorf("Parse() error = %v, want ErrNoPipeline", err)
	}
}

func TestInterpreterLoadAndParse(t *testing.T) {
	reg := newTestRegistry(t)
	dir, _ := saveTestArchive(t, reg)

	it := NewInterpreter(NewPersistenceManager(reg))
	defer it.Close()

	if err := it.LoadArchive(context.Background(), dir); err != nil {
		t.Fatalf("LoadArchive() error = %v", err)
	}
	if it.ArchivePath() != dir {
		t.Errorf("ArchivePath() = %s, want %s", it.ArchivePath(), dir)
	}

	results, err := it.ParseBatch(context.Background(), []string{"hello Alice", "goodbye now"})
	if err != nil {
		t.Fatalf("ParseBatch() error = %v", err)
	}
	if results[0].Intent.Name != "greet" || results[1].Intent.Name != "bye" {
		t.Errorf("intents = %s, %s", results[0].Intent.Name, results[1].Intent.Name)
	}
}

func TestInterpreterKeepsPipelineOnFailedLoad(t *testing.T) {
	reg := newTestRegistry(t)
	dir, _ := saveTestArchive(t, reg)

	it := NewInterpreter(NewPersistenceManager(reg))
	defer it.Close()
	if err := it.LoadArchive(context.Background(), dir); err != nil {
		t.Fatalf("LoadArchive() error = %v", err)
	}

	err := it.LoadArchive(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if !IsPersistenceError(err) {
		t.Fatalf("LoadArchive() error = %v, want persistence error", err)
	}
	if it.ArchivePath() != dir {
		t.Error("failed load replaced the active pipeline")
	}
	if _, err := it.Parse(context.Background(), "hello"); err != nil {
		t.Errorf("Parse() after failed load error = %v", err)
	}
}

func TestInterpreterWatchReloads(t *testing.T) {
	reg := newTestRegistry(t)
	dir, _ := saveTestArchive(t, reg)
	pm := NewPersistenceManager(reg)

	it := NewInterpreter(pm)
	defer it.Close()
	if err := it.LoadArchive(context.Background(), dir); err != nil {
		t.Fatalf("LoadArchive() error = %v", err)
	}
	first, _ := it.Pipeline()

	reloaded := make(chan error, 4)
	it.OnReload(func(_ string, err error) { reloaded <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := it.Watch(ctx, dir); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	retrained := buildAndTrain(t, reg, steps("tokenizer", "featurizer", "extractor", "classifier"))
	if _, err := pm.Save(context.Background(), retrained, dir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("archive was not reloaded")
	}

	current, _ := it.Pipeline()
	if current == first {
		t.Error("pipeline was not swapped")
	}
}

// closableComponent fails runs that reach it after Close.
type closableComponent struct {
	name   string
	closed atomic.Bool
}

func (c *closableComponent) Name() string { return c.name }

func (c *closableComponent) Process(context.Context, *Message, *SharedContext) error {
	if c.closed.Load() {
		return errors.New("component used after close")
	}
	return nil
}

func (c *closableComponent) Close() error {
	c.closed.Store(true)
	return nil
}

func TestInterpreterSwapWhileParsing(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Factory{
		Type: "closable",
		Create: func(name string, _ Params, _ *SharedContext) (Component, error) {
			return &closableComponent{name: name}, nil
		},
	})
	build := func() *Pipeline {
		p, err := reg.Build(context.Background(), steps("closable"))
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		return p
	}

	it := NewInterpreter(NewPersistenceManager(reg))
	defer it.Close()
	it.Use(build())

	var wg sync.WaitGroup
	var failures atomic.Int32
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := it.Parse(context.Background(), "hello"); err != nil {
					failures.Add(1)
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		it.Use(build())
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Errorf("%d runs failed on a replaced pipeline", n)
	}
}

func TestInterpreterOnReloadConcurrent(t *testing.T) {
	reg := newTestRegistry(t)
	dir, _ := saveTestArchive(t, reg)
	it := NewInterpreter(NewPersistenceManager(reg))
	defer it.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := it.Watch(ctx, dir); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			it.OnReload(func(string, error) {})
		}()
	}
	wg.Wait()
}
