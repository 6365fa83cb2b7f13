// Command pagestream-inspect opens a PDF file or URL through an
// in-process worker and prints what it learns about the document.
//
//	pagestream-inspect [-config file] [-password pw] [-text] [-ops] <file-or-url>
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/api"
	"github.com/tsawler/pagestream/internal/config"
	"github.com/tsawler/pagestream/internal/logging"
	"github.com/tsawler/pagestream/internal/metrics"
	"github.com/tsawler/pagestream/ocr"
	"github.com/tsawler/pagestream/source"
	"github.com/tsawler/pagestream/worker"
)

type flags struct {
	config   string
	password string
	text     bool
	ops      bool
	timeout  time.Duration
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "path to a YAML configuration file")
	flag.StringVar(&f.password, "password", "", "document password")
	flag.BoolVar(&f.text, "text", false, "print the text of every page")
	flag.BoolVar(&f.ops, "ops", false, "print the operator count of every page")
	flag.DurationVar(&f.timeout, "timeout", 2*time.Minute, "overall time limit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <file-or-url>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(f, flag.Arg(0), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "pagestream-inspect:", err)
		os.Exit(1)
	}
}

func run(f flags, target string, out io.Writer) error {
	cfg, err := config.Load(f.config)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Verbosity, cfg.Log.Development, "pagestream-inspect")
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	params := api.Params{
		Password:         f.password,
		RangeChunkSize:   cfg.Loader.RangeChunkSize,
		DisableAutoFetch: cfg.Loader.DisableAutoFetch,
		DisableStream:    cfg.Loader.DisableStream,
		DisableRange:     cfg.Loader.DisableRange,
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		opts := cfg.HTTPOptions()
		opts.Logger = logger
		params.Transport = source.NewHTTPTransport(target, opts)
	} else {
		data, err := os.ReadFile(target)
		if err != nil {
			return err
		}
		params.Data = data
	}

	wopts := worker.Options{
		Logger:           logger.Named("worker"),
		Metrics:          metrics.New(nil),
		TerminateTimeout: time.Duration(cfg.Worker.TerminateTimeout),
		HighWaterMark:    cfg.Worker.HighWaterMark,
	}
	if cfg.OCR.Enabled {
		client, err := ocr.New(cfg.OCR.Language)
		if err != nil {
			logger.Warn("OCR disabled", zap.Error(err))
		} else {
			defer client.Close()
			wopts.Recognizer = client
		}
	}
	mainPort, workerPort := worker.Pipe()
	w := worker.New(workerPort, wopts)
	go func() { _ = w.Serve(context.Background()) }()

	doc, err := api.Open(ctx, mainPort, params, api.Options{
		Logger:        logger.Named("api"),
		HighWaterMark: cfg.Worker.HighWaterMark,
	})
	if err != nil {
		return err
	}
	defer doc.Destroy(context.Background())

	return inspect(ctx, doc, f, out)
}

func inspect(ctx context.Context, doc *api.Document, f flags, out io.Writer) error {
	meta, err := doc.Metadata(ctx)
	if err != nil {
		return err
	}
	info := meta.Info
	fmt.Fprintf(out, "Pages:       %d\n", doc.NumPages())
	fmt.Fprintf(out, "Fingerprint: %s\n", doc.Fingerprint())
	fmt.Fprintf(out, "Version:     %s\n", info.PDFFormatVersion)
	fmt.Fprintf(out, "Linearized:  %t\n", info.IsLinearized)
	printField(out, "Title", info.Title)
	printField(out, "Author", info.Author)
	printField(out, "Producer", info.Producer)
	printField(out, "Created", info.CreationDate)
	if meta.Metadata != nil {
		fmt.Fprintf(out, "XMP:         %d bytes\n", len(*meta.Metadata))
	}

	mode, err := doc.PageMode(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Page mode:   %s\n", mode)

	perms, err := doc.Permissions(ctx)
	if err != nil {
		return err
	}
	if perms != nil {
		fmt.Fprintf(out, "Encrypted:   yes (permissions %v)\n", perms)
	}

	outline, err := doc.Outline(ctx)
	if err != nil {
		return err
	}
	if len(outline) > 0 {
		fmt.Fprintln(out, "Outline:")
		printOutline(out, outline, 1)
	}

	attachments, err := doc.Attachments(ctx)
	if err != nil {
		return err
	}
	for name, a := range attachments {
		fmt.Fprintf(out, "Attachment:  %s (%s, %d bytes)\n", name, a.Filename, len(a.Content))
	}

	labels, err := doc.PageLabels(ctx)
	if err != nil {
		return err
	}

	for i := 0; i < doc.NumPages(); i++ {
		page, err := doc.Page(ctx, i)
		if err != nil {
			return err
		}
		view := page.View()
		label := ""
		if i < len(labels) {
			label = fmt.Sprintf(" label %q", labels[i])
		}
		fmt.Fprintf(out, "Page %d:%s %gx%g rotate %d\n", i+1, label, view[2]-view[0], view[3]-view[1], page.Rotate())

		if f.ops {
			ops, err := page.OperatorList(ctx, "")
			if err != nil {
				fmt.Fprintf(out, "  operator list failed: %v\n", err)
			} else {
				fmt.Fprintf(out, "  %d operations in %d chunks\n", len(ops.Operations), ops.Chunks)
			}
		}
		if f.text {
			tc, err := page.TextContent(ctx, api.TextOptions{NormalizeWhitespace: true, CombineTextItems: true})
			if err != nil {
				fmt.Fprintf(out, "  text failed: %v\n", err)
				continue
			}
			for _, it := range tc.Items {
				if strings.TrimSpace(it.Str) != "" {
					fmt.Fprintf(out, "  %s\n", it.Str)
				}
			}
		}
	}

	stats, err := doc.Stats(ctx)
	if err != nil {
		return err
	}
	if len(stats.StreamTypes) > 0 {
		fmt.Fprintf(out, "Filters:     %s\n", strings.Join(stats.StreamTypes, ", "))
	}
	if len(stats.FontTypes) > 0 {
		fmt.Fprintf(out, "Fonts:       %s\n", strings.Join(stats.FontTypes, ", "))
	}
	if features := doc.UnsupportedFeatures(); len(features) > 0 {
		fmt.Fprintf(out, "Unsupported: %s\n", strings.Join(features, ", "))
	}
	return nil
}

func printField(out io.Writer, name, value string) {
	if value != "" {
		fmt.Fprintf(out, "%-12s %s\n", name+":", value)
	}
}

func printOutline(out io.Writer, items []worker.OutlineEntry, depth int) {
	for _, it := range items {
		fmt.Fprintf(out, "%s%s\n", strings.Repeat("  ", depth), it.Title)
		printOutline(out, it.Items, depth+1)
	}
}
