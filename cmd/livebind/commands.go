package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maxpert/livebind/binding"
	"github.com/maxpert/livebind/cfg"
	"github.com/maxpert/livebind/value"
	"github.com/rs/zerolog/log"
)

const commandTimeout = 30 * time.Second

// arity is the number of positional arguments each command takes
var arity = map[string]int{
	"get":    1,
	"watch":  1,
	"set":    2,
	"update": 2,
	"push":   2,
	"rm":     1,
	"attach": 3,
	"serve":  0,
}

func run(cmd string, args []string) error {
	n, ok := arity[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd)
	}
	if len(args) != n {
		return fmt.Errorf("%s takes %d argument(s), got %d", cmd, n, len(args))
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Warn().Err(err).Msg("Shutdown reported errors")
		}
	}()

	switch cmd {
	case "get":
		return a.get(args[0])
	case "watch":
		return a.watch(args[0])
	case "set":
		return a.write(args[0], args[1], func(ctx context.Context, b binding.Binding, v value.Value) error {
			return b.Overwrite(ctx, v)
		})
	case "update":
		return a.write(args[0], args[1], func(ctx context.Context, b binding.Binding, v value.Value) error {
			fields, ok := value.AsNode(v)
			if !ok {
				return fmt.Errorf("update takes a JSON object")
			}
			return b.Update(ctx, fields)
		})
	case "push":
		return a.write(args[0], args[1], func(ctx context.Context, b binding.Binding, v value.Value) error {
			key, err := b.Push(v)
			if err == nil {
				fmt.Println(key)
			}
			return err
		})
	case "rm":
		return a.write(args[0], "null", func(ctx context.Context, b binding.Binding, _ value.Value) error {
			return b.Remove(ctx)
		})
	case "attach":
		return a.attach(args[0], args[1], args[2])
	case "serve":
		return a.serve()
	}
	return nil
}

func (a *app) get(p string) error {
	ctx, cancel := withTimeout(commandTimeout)
	defer cancel()

	v, err := a.cache.Bind(p, binding.Options{}).Read(ctx)
	if err != nil {
		return err
	}
	fmt.Println(value.Format(v))
	return nil
}

func (a *app) watch(p string) error {
	b := a.cache.Bind(p, binding.Options{})
	if binding.IsNoop(b) {
		return fmt.Errorf("invalid path %q", p)
	}

	unsubscribe := b.Subscribe(func(v value.Value) {
		fmt.Println(value.Format(v))
	})
	defer unsubscribe()

	waitForSignal()
	return nil
}

func (a *app) write(p, raw string, op func(context.Context, binding.Binding, value.Value) error) error {
	v, err := value.ParseJSON([]byte(raw))
	if err != nil {
		return err
	}

	b := a.cache.Bind(p, binding.Options{})
	if binding.IsNoop(b) {
		return fmt.Errorf("invalid path %q", p)
	}

	ctx, cancel := withTimeout(commandTimeout)
	defer cancel()
	if err := op(ctx, b, v); err != nil {
		return err
	}
	return a.cache.Flush(ctx)
}

func (a *app) attach(p, field, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	b := a.cache.Bind(p, binding.Options{})
	if binding.IsNoop(b) {
		return fmt.Errorf("invalid path %q", p)
	}

	ctx, cancel := withTimeout(commandTimeout)
	defer cancel()

	up := value.Upload{
		Data: data,
		Name: filepath.Base(file),
		Type: mime.TypeByExtension(filepath.Ext(file)),
	}
	if err := b.Update(ctx, value.Node{field: up}); err != nil {
		return err
	}
	if err := b.Flush(ctx); err != nil {
		return err
	}

	v, err := b.Read(ctx)
	if err != nil {
		return err
	}
	n, _ := value.AsNode(v)
	ref, ok := n[field].(value.Ref)
	if !ok {
		return fmt.Errorf("upload of %s did not produce a reference", file)
	}

	rec, err := a.registry.Record(ctx, ref.StorageID)
	if err != nil {
		return err
	}
	if rec.UploadError != "" {
		return fmt.Errorf("upload failed: %s", rec.UploadError)
	}
	u, err := a.registry.URL(ctx, ref)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", ref.StorageID, u)
	return nil
}

func (a *app) serve() error {
	cfg.Config.Admin.Enabled = true
	srv := a.adminServer()
	if err := srv.Start(); err != nil {
		return err
	}

	waitForSignal()

	ctx, cancel := withTimeout(5 * time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
