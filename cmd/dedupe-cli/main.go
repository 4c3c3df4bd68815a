package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"yashubustudio/dedupe/dedupe"
	"yashubustudio/dedupe/internal/logger"
	"yashubustudio/dedupe/internal/qtest"
)

type cliOptions struct {
	configPath    string
	inputPath     string
	useQTest      bool
	raw           bool
	sheet         string
	encoding      string
	table         string
	idColumn      string
	columns       string
	delimiter     string
	scoredColumns string
	cutoff        float64
	query         string
	queryFile     string
	outputPath    string
	preview       int
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dedupe-cli: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "dedupe-cli: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (cliOptions, error) {
	var opts cliOptions
	flag.StringVar(&opts.configPath, "config", "", "Path to config.json or config.toml (default: $DEDUPE_CONFIG or ./config.json)")
	flag.StringVar(&opts.inputPath, "input", "", "CSV/TSV/XLSX/SQLite file containing test cases")
	flag.BoolVar(&opts.useQTest, "qtest", false, "Load test cases from the qTest API instead of --input")
	flag.BoolVar(&opts.raw, "raw", false, "Treat --input as a raw qTest export with one row per test step")
	flag.StringVar(&opts.sheet, "sheet", "", "Worksheet name for XLSX input (default: first sheet, or \"Test Cases\" with --raw)")
	flag.StringVar(&opts.encoding, "encoding", "utf-8", "Encoding of delimited input ("+strings.Join(dedupe.Encodings, ", ")+")")
	flag.StringVar(&opts.table, "table", "", "Table name for SQLite input (default: first table)")
	flag.StringVar(&opts.idColumn, "id-column", "", "Column name or #index of the test case id (default: auto-detect)")
	flag.StringVar(&opts.columns, "columns", "", "Columns compared for duplicates, separated by --delimiter")
	flag.StringVar(&opts.delimiter, "delimiter", ",", `Separator of --columns; \t means tab`)
	flag.StringVar(&opts.scoredColumns, "scored-columns", "", "Columns aligned and composite scored (default: --columns)")
	flag.Float64Var(&opts.cutoff, "cutoff", -1, "Similarity cutoff between 0 and 1 (default: config value)")
	flag.StringVar(&opts.query, "query", "", "JSON object describing a single test case to search for")
	flag.StringVar(&opts.queryFile, "query-file", "", "File holding the --query JSON object")
	flag.StringVar(&opts.outputPath, "output", "", "XLSX file to write (default: config output dir or the temp dir)")
	flag.IntVar(&opts.preview, "preview", 0, "Print the first N pairs to STDOUT")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s (--input FILE | --qtest) --columns LIST [options]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	opts.configPath = strings.TrimSpace(opts.configPath)
	opts.inputPath = strings.TrimSpace(opts.inputPath)
	opts.outputPath = strings.TrimSpace(opts.outputPath)
	opts.queryFile = strings.TrimSpace(opts.queryFile)

	if opts.inputPath == "" && !opts.useQTest {
		flag.Usage()
		return opts, errors.New("missing required --input file or --qtest")
	}
	if strings.TrimSpace(opts.columns) == "" {
		flag.Usage()
		return opts, errors.New("missing required --columns")
	}
	if opts.cutoff > 1 {
		return opts, fmt.Errorf("--cutoff must be between 0 and 1, got %v", opts.cutoff)
	}
	if opts.queryFile != "" {
		data, err := os.ReadFile(opts.queryFile)
		if err != nil {
			return opts, fmt.Errorf("read query file: %w", err)
		}
		opts.query = string(data)
	}
	return opts, nil
}

func run(opts cliOptions) error {
	_ = godotenv.Load()
	env, err := dedupe.LoadEnv()
	if err != nil {
		return err
	}
	log := logger.New(env.LogLevel, env.LogFormat)

	configPath := opts.configPath
	if configPath == "" {
		configPath = env.ConfigPath
	}
	cfg, err := dedupe.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env.Apply(&cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	embedder, err := dedupe.NewEmbedder(ctx, cfg.Embedder, log)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}
	service, err := dedupe.NewService(embedder, cfg, log)
	if err != nil {
		_ = embedder.Close()
		return fmt.Errorf("init service: %w", err)
	}
	defer service.Close()

	source, err := buildSource(opts, cfg, env, log)
	if err != nil {
		return err
	}
	req := dedupe.Request{
		Source:     source,
		IDColumn:   opts.idColumn,
		Columns:    opts.columns,
		Delimiter:  opts.delimiter,
		Query:      opts.query,
		OutputPath: opts.outputPath,
	}
	if opts.scoredColumns != "" {
		req.ScoredColumns = dedupe.SplitColumns(opts.scoredColumns, opts.delimiter)
	}
	if opts.cutoff >= 0 {
		c := float32(opts.cutoff)
		req.Cutoff = &c
	}

	res := service.Run(ctx, req)
	fmt.Println(res.Message)
	if res.Err != nil {
		return res.Err
	}
	if res.Path != "" {
		fmt.Printf("Report saved to %s\n", res.Path)
	}
	if opts.preview > 0 {
		printPreview(res.Report, opts.preview)
	}
	return nil
}

func buildSource(opts cliOptions, cfg dedupe.Config, env dedupe.Env, log zerolog.Logger) (dedupe.Source, error) {
	if opts.useQTest {
		client, err := qtest.NewClient(cfg.QTest, env.BearerToken, log)
		if err != nil {
			return nil, fmt.Errorf("init qtest client: %w", err)
		}
		return client, nil
	}
	return dedupe.FileSource{
		Path:     opts.inputPath,
		Sheet:    opts.sheet,
		Encoding: opts.encoding,
		Raw:      opts.raw,
		IDColumn: opts.idColumn,
		Table:    opts.table,
	}, nil
}

func printPreview(report *dedupe.Report, limit int) {
	if report.Empty() {
		return
	}
	if limit > report.Len() {
		limit = report.Len()
	}
	fmt.Println()
	fmt.Println("==== Duplicate preview ====")
	for i := 0; i < limit; i++ {
		row := report.Rows[i]
		fmt.Printf("%d. %v <-> %v (score=%v)\n", i+1, row[0], row[1], row[2])
		for c := 3; c+1 < len(row) && c+1 < len(report.Header); c++ {
			h := report.Header[c]
			if !strings.HasSuffix(h, " #1") {
				continue
			}
			fmt.Printf("    %s: %s\n", strings.TrimSuffix(h, " #1"), summarize(fmt.Sprint(row[c])))
			fmt.Printf("    %s  %s\n", strings.Repeat(" ", len(strings.TrimSuffix(h, " #1"))), summarize(fmt.Sprint(row[c+1])))
		}
	}
}

func summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "(empty)"
	}
	r := []rune(text)
	if len(r) > 80 {
		return string(r[:80]) + "…"
	}
	return text
}
