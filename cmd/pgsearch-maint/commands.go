package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/config"
	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/host"
	"github.com/jnicholls/paradedb/index"
	"github.com/jnicholls/paradedb/metrics"
	"github.com/jnicholls/paradedb/vacuum"
)

// maxLineSize bounds one JSON line of insert input.
const maxLineSize = 16 << 20

// common holds the flags every command accepts.
type common struct {
	config string
	oid    uint
	name   string
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &common{}
	fs.StringVar(&c.config, "config", "", "configuration file")
	fs.UintVar(&c.oid, "oid", 16384, "relation id of the index")
	fs.StringVar(&c.name, "name", "", "relation name used in logs")
	return fs, c
}

// session is an open host plus the relation a command works on.
type session struct {
	cfg  *config.Config
	h    *host.Host
	rel  host.Relation
	opts []index.Option
	srv  *http.Server
}

func openSession(ctx context.Context, c *common) (*session, error) {
	cfg, err := config.Load(c.config)
	if err != nil {
		return nil, err
	}
	name := c.name
	if name == "" {
		name = "idx_" + strconv.FormatUint(uint64(c.oid), 10)
	}

	promOpts := []metrics.Option{metrics.WithConstLabels(map[string]string{"relation": name})}
	if cfg.Metrics.Runtime {
		promOpts = append(promOpts, metrics.WithProcessCollectors())
	}
	prom := metrics.NewPrometheus(promOpts...)

	opts, err := cfg.WriterOptions()
	if err != nil {
		return nil, err
	}
	h, err := config.BuildHost(ctx, cfg, paradedb.WithMetricsCollector(prom))
	if err != nil {
		return nil, err
	}
	s := &session{
		cfg:  cfg,
		h:    h,
		rel:  h.Relation(uint32(c.oid), name),
		opts: opts,
	}
	if cfg.Metrics.Listen != "" {
		if err := s.serveMetrics(cfg.Metrics.Listen, prom); err != nil {
			return nil, errors.Join(err, h.Close(ctx))
		}
	}
	return s, nil
}

func (s *session) serveMetrics(addr string, prom *metrics.Prometheus) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.h.Logger.Error("metrics server stopped", "error", err)
		}
	}()
	s.h.Logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (s *session) close(ctx context.Context) error {
	var err error
	if s.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err = s.srv.Shutdown(shutdownCtx)
		cancel()
	}
	return errors.Join(err, s.h.Close(ctx))
}

// withSession parses args, opens a session and runs fn. Errors are
// printed to stderr.
func withSession(fs *flag.FlagSet, c *common, args []string, stderr io.Writer, fn func(ctx context.Context, s *session) error) int {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s, err := openSession(ctx, c)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	err = fn(ctx, s)
	if cerr := s.close(ctx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// parseFields parses "name:type,..." where type is text or u64.
func parseFields(spec string) (*fts.Schema, error) {
	b := index.NewSchemaBuilder()
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, typ, ok := strings.Cut(part, ":")
		if !ok {
			typ = string(fts.TypeText)
		}
		switch fts.FieldType(typ) {
		case fts.TypeText:
			b.AddTextField(name, fts.FieldOptions{Indexed: true, Stored: true})
		case fts.TypeU64:
			b.AddU64Field(name, fts.FieldOptions{Indexed: true, Stored: true, Fast: true})
		default:
			return nil, fmt.Errorf("field %q: unknown type %q", name, typ)
		}
	}
	return b.Build()
}

func createCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("create", stderr)
	fields := fs.String("fields", "", "comma separated name:type list (text or u64)")
	return withSession(fs, c, args, stderr, func(ctx context.Context, s *session) error {
		if *fields == "" {
			return errors.New("-fields is required")
		}
		schema, err := parseFields(*fields)
		if err != nil {
			return err
		}
		txn := s.h.Xacts.Begin()
		w, err := index.Create(ctx, s.h, s.rel, txn, schema, s.opts...)
		if err != nil {
			return errors.Join(err, txn.Abort())
		}
		if _, err := w.Commit(ctx, false); err != nil {
			return errors.Join(err, w.Close(), txn.Abort())
		}
		if err := txn.Commit(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Created %s with %d fields\n", s.rel, len(schema.Fields()))
		return nil
	})
}

func insertCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("insert", stderr)
	input := fs.String("input", "-", "JSON lines file, - for stdin")
	key := fs.String("key", "", "key field that must be present in every row")
	return withSession(fs, c, args, stderr, func(ctx context.Context, s *session) error {
		if *key == "" {
			return errors.New("-key is required")
		}
		var r io.Reader = os.Stdin
		if *input != "-" {
			f, err := os.Open(*input)
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}

		txn := s.h.Xacts.Begin()
		w, err := index.Open(ctx, s.h, s.rel, txn, index.DirectoryMVCC, index.ResourcesInsertBatch, s.opts...)
		if err != nil {
			return errors.Join(err, txn.Abort())
		}
		n, err := insertRows(ctx, w, *key, r)
		if err == nil {
			err = w.CommitInserts(ctx)
		}
		if err != nil {
			return errors.Join(err, w.Close(), txn.Abort())
		}
		if err := txn.Commit(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Inserted %d rows\n", n)
		return nil
	})
}

func insertRows(ctx context.Context, w *index.Writer, key string, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	n, line := 0, 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var row index.Row
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		raw, ok := row[index.RowIDFieldName].(string)
		if !ok {
			return n, fmt.Errorf("line %d: %q must be a string like \"(0,1)\"", line, index.RowIDFieldName)
		}
		id, err := index.ParseRowID(raw)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		doc, err := index.BuildDocument(w.Schema(), key, row)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := w.Insert(ctx, doc, id); err != nil {
			return n, err
		}
		n++
	}
	return n, sc.Err()
}

// rowIDList collects repeated -id flags.
type rowIDList map[index.RowID]struct{}

func (l rowIDList) String() string { return strconv.Itoa(len(l)) }

func (l rowIDList) Set(s string) error {
	id, err := index.ParseRowID(s)
	if err != nil {
		return err
	}
	l[id] = struct{}{}
	return nil
}

func deleteCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("delete", stderr)
	ids := rowIDList{}
	fs.Var(ids, "id", "row id to delete, like (0,1); repeatable")
	return withSession(fs, c, args, stderr, func(ctx context.Context, s *session) error {
		if len(ids) == 0 {
			return errors.New("at least one -id is required")
		}
		txn := s.h.Xacts.Begin()
		res, err := vacuum.BulkDelete(ctx, s.h, s.rel, txn, func(id index.RowID) bool {
			_, ok := ids[id]
			return ok
		}, nil)
		if err != nil {
			return errors.Join(err, txn.Abort())
		}
		stats, err := vacuum.Cleanup(ctx, s.h, s.rel, txn, res)
		if err != nil {
			return errors.Join(err, txn.Abort())
		}
		if err := txn.Commit(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Examined %d rows, removed %d\n", stats.TuplesExamined, stats.TuplesRemoved)
		fmt.Fprintf(stdout, "Index now holds %d rows in %d blocks\n", stats.IndexTuples, stats.Blocks)
		return nil
	})
}

func vacuumCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("vacuum", stderr)
	return withSession(fs, c, args, stderr, func(ctx context.Context, s *session) error {
		txn := s.h.Xacts.Begin()
		stats, err := vacuum.Cleanup(ctx, s.h, s.rel, txn, nil)
		if err != nil {
			return errors.Join(err, txn.Abort())
		}
		if err := txn.Commit(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Index holds %d rows in %d blocks\n", stats.IndexTuples, stats.Blocks)
		return nil
	})
}

func searchCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("search", stderr)
	field := fs.String("field", "", "field to search")
	term := fs.String("term", "", "word or number to look up")
	limit := fs.Int("limit", 0, "maximum rows to print, 0 for all")
	return withSession(fs, c, args, stderr, func(ctx context.Context, s *session) error {
		if *field == "" || *term == "" {
			return errors.New("-field and -term are required")
		}
		r, err := index.OpenReader(ctx, s.h, s.rel, s.h.Xacts.Snapshot(), s.opts...)
		if err != nil {
			return err
		}
		defer r.Close()

		t, err := lookupTerm(r.Schema(), *field, *term)
		if err != nil {
			return err
		}
		addrs := r.Search(t)
		for i, addr := range addrs {
			if *limit > 0 && i >= *limit {
				break
			}
			id, err := r.RowID(addr)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, id)
		}
		fmt.Fprintf(stderr, "%d matching rows\n", len(addrs))
		return nil
	})
}

func lookupTerm(schema *fts.Schema, name, value string) (fts.Term, error) {
	f, err := schema.Field(name)
	if err != nil {
		return fts.Term{}, err
	}
	entry, err := schema.Entry(f)
	if err != nil {
		return fts.Term{}, err
	}
	if entry.Type == fts.TypeU64 {
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fts.Term{}, fmt.Errorf("field %q: %w", name, err)
		}
		return fts.TermFromU64(f, v), nil
	}
	tokens := fts.Tokenize(value)
	if len(tokens) != 1 {
		return fts.Term{}, fmt.Errorf("-term must be a single word, got %d tokens", len(tokens))
	}
	return fts.TermFromText(f, tokens[0]), nil
}

func statsCmd(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("stats", stderr)
	return withSession(fs, c, args, stderr, func(ctx context.Context, s *session) error {
		st, err := s.h.Stats(ctx, s.rel)
		if err != nil {
			return err
		}
		r, err := index.OpenReader(ctx, s.h, s.rel, s.h.Xacts.Snapshot(), s.opts...)
		if err != nil {
			return err
		}
		defer r.Close()
		searcher := r.Searcher()

		fmt.Fprintf(stdout, "Relation:        %s\n", s.rel)
		fmt.Fprintf(stdout, "Storage:         %s\n", s.cfg.Storage.Backend)
		fmt.Fprintf(stdout, "Blocks:          %d (%d free)\n", st.Blocks, st.FreeBlocks)
		fmt.Fprintf(stdout, "File entries:    %d\n", st.FileEntries)
		fmt.Fprintf(stdout, "Segment entries: %d\n", st.SegmentEntries)
		fmt.Fprintf(stdout, "Segments:        %d\n", len(searcher.SegmentReaders()))
		fmt.Fprintf(stdout, "Documents:       %d\n", searcher.NumDocs())
		fmt.Fprintf(stdout, "Opstamp:         %d\n", searcher.Meta().Opstamp)
		return nil
	})
}
