// The upload command pushes local image files through the full client
// pipeline: preflight, two-phase upload, variant generation, and save
// payload derivation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openkiln/uploadflow/pkg/uploadflow"
	"github.com/openkiln/uploadflow/pkg/uploadflow/diag"
	"github.com/openkiln/uploadflow/pkg/uploadflow/transport"
	"github.com/openkiln/uploadflow/pkg/uploadflow/variant"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "storage endpoint base URL")
		token     = flag.String("token", "", "bearer token for the storage endpoint")
		primary   = flag.Int("primary", 0, "index of the primary image")
		timeout   = flag.Duration("timeout", time.Minute, "per-upload timeout")
		debug     = flag.Bool("debug", false, "enable diagnostics output")
		noVariant = flag.Bool("no-variants", false, "skip derived variant generation")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: upload [flags] <file>...")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if len(files) > uploadflow.MaxSlots {
		logger.Error("too many files", "max", uploadflow.MaxSlots, "got", len(files))
		os.Exit(1)
	}

	recorder := diag.NewRecorder(*debug)

	clientOpts := []transport.ClientOption{
		transport.WithRecorder(recorder),
		transport.WithDebug(*debug),
	}
	if *token != "" {
		clientOpts = append(clientOpts, transport.WithAuth(transport.StaticToken(*token)))
	}
	client, err := transport.NewClient(*serverURL, clientOpts...)
	if err != nil {
		logger.Error("invalid server URL", "error", err)
		os.Exit(1)
	}

	orchOpts := []uploadflow.Option{
		uploadflow.WithUploadTimeout(*timeout),
		uploadflow.WithRecorder(recorder),
	}
	if !*noVariant {
		orchOpts = append(orchOpts, uploadflow.WithVariantGenerator(variant.NewGenerator()))
	}
	orch, err := uploadflow.New(client, orchOpts...)
	if err != nil {
		logger.Error("failed to create uploader", "error", err)
		os.Exit(1)
	}
	defer orch.Close()

	handles := make([]uploadflow.FileHandle, 0, len(files))
	for _, path := range files {
		f, err := uploadflow.NewOSFile(path, "")
		if err != nil {
			logger.Error("cannot read file", "path", path, "error", err)
			os.Exit(1)
		}
		handles = append(handles, f)
	}

	slots, err := orch.AddImages(handles)
	if err != nil {
		if len(slots) == 0 {
			logger.Error("failed to queue uploads", "error", err)
			os.Exit(1)
		}
		// Overflow past the slot cap: the admitted files still upload.
		logger.Warn("some files were skipped", "error", err)
	}
	for _, s := range slots {
		if s.Err != nil {
			logger.Warn("file rejected", "file", fileLabel(s), "code", s.Err.Code, "message", s.Err.Message)
		}
	}

	if *primary > 0 && *primary < len(slots) {
		if err := orch.SetPrimary(slots[*primary].ID); err != nil {
			logger.Warn("failed to set primary", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(len(files))*(*timeout))
	defer cancel()
	if err := orch.Flush(ctx); err != nil {
		logger.Error("uploads did not finish", "error", err)
		os.Exit(1)
	}

	failed := false
	for _, s := range orch.Slots() {
		if s.Status == uploadflow.SlotStatusError && s.Err != nil {
			logger.Error("upload failed", "file", fileLabel(s), "code", s.Err.Code, "message", s.Err.Message)
			failed = true
		}
	}
	if failed {
		dumpDiagnostics(recorder)
		os.Exit(1)
	}

	payload, err := orch.SavePayload()
	if err != nil {
		logger.Error("cannot derive save payload", "error", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(payload, "", "  ")
	fmt.Println(string(out))
	dumpDiagnostics(recorder)
}

func fileLabel(s uploadflow.ManagedImage) string {
	if s.File != nil {
		return s.File.Name()
	}
	return s.ID
}

func dumpDiagnostics(recorder *diag.Recorder) {
	if !recorder.Enabled() {
		return
	}
	for _, e := range recorder.Entries() {
		line, _ := json.Marshal(e)
		fmt.Fprintln(os.Stderr, string(line))
	}
}
