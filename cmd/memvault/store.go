package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/memvault/internal/fetch"
	"github.com/fyrsmithlabs/memvault/internal/memstore"
	"github.com/fyrsmithlabs/memvault/internal/message"
)

var (
	putType    string
	putSubtype string
	putTitle   string
	putMIME    string
	putBinary  bool

	fetchLines string
	fetchBytes string

	listType  string
	listLimit int
)

var putCmd = &cobra.Command{
	Use:   "put [file]",
	Short: "Store a file or stdin and print its pointer",
	Long: `Store content in the local content store. Identical content always gets the
same memory id.

Examples:
  # Store a log file
  memvault put --type LOG build.log

  # Store command output from stdin
  go test ./... 2>&1 | memvault put --type TOOL_OUTPUT --title "go test" -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			data, name, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			opts, err := putOptions(name)
			if err != nil {
				return err
			}
			return runPut(ctx, a, cmd.OutOrStdout(), data, opts, putBinary)
		})
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <memory_id|uri>",
	Short: "Print a bounded slice of stored content",
	Long: `Fetch a line or byte range of a stored object. The argument is a memory id
or a pointer URI; --lines and --bytes override any range in the URI.

Examples:
  # First 40 lines
  memvault fetch 3f2a... --lines 1:40

  # Follow a pointer stub
  memvault fetch "mem://3f2a...#L100-160"

  # 4KB starting at byte 8192
  memvault fetch 3f2a... --bytes 8192:4096`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildFetchRequest(args[0], fetchLines, fetchBytes)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.gateway.Fetch(ctx, req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored objects, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return runList(ctx, a, cmd.OutOrStdout(), listType, listLimit)
		})
	},
}

var statCmd = &cobra.Command{
	Use:   "stat [memory_id]",
	Short: "Show object metadata, or store totals without an id",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if len(args) == 0 {
				st, err := a.store.Stats(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), st)
			}
			obj, err := a.gateway.Stat(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), obj)
		})
	},
}

func init() {
	putCmd.Flags().StringVar(&putType, "type", "", "memory type: TOOL_OUTPUT, WEB_SCRAPE, FILE_LIST, LOG, DOCUMENT, BINARY, OTHER")
	putCmd.Flags().StringVar(&putSubtype, "subtype", "", "free-form subtype")
	putCmd.Flags().StringVar(&putTitle, "title", "", "title shown in pointer stubs (default: file name)")
	putCmd.Flags().StringVar(&putMIME, "mime", "", "content type (detected when empty)")
	putCmd.Flags().BoolVar(&putBinary, "binary", false, "store as bytes even if the content looks like text")

	fetchCmd.Flags().StringVar(&fetchLines, "lines", "", "1-based inclusive line range START:END")
	fetchCmd.Flags().StringVar(&fetchBytes, "bytes", "", "byte range OFFSET:LENGTH")
	fetchCmd.MarkFlagsMutuallyExclusive("lines", "bytes")

	listCmd.Flags().StringVar(&listType, "type", "", "only list objects of this memory type")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum objects to print (0 for all)")
}

// withApp loads config, builds the components and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.close(context.Background())
	}()
	return fn(ctx, a)
}

// putResult is printed by put.
type putResult struct {
	*memstore.Object
	URI string `json:"uri"`
}

// putOptions builds store options from the put flags. name is the
// fallback title. Without --type the store picks OTHER or BINARY.
func putOptions(name string) (memstore.PutOptions, error) {
	var typ memstore.MemoryType
	if putType != "" {
		t, err := memstore.ParseMemoryType(putType)
		if err != nil {
			return memstore.PutOptions{}, err
		}
		typ = t
	}
	title := putTitle
	if title == "" {
		title = name
	}
	return memstore.PutOptions{
		Type:     typ,
		Subtype:  putSubtype,
		Title:    title,
		MIME:     putMIME,
		Compress: true,
	}, nil
}

func runPut(ctx context.Context, a *app, w io.Writer, data []byte, opts memstore.PutOptions, binary bool) error {
	var (
		obj *memstore.Object
		err error
	)
	if binary || memstore.IsBinary(data) {
		obj, err = a.store.PutBytes(ctx, data, opts)
	} else {
		obj, err = a.store.PutText(ctx, string(data), opts)
	}
	if err != nil {
		return err
	}
	return writeJSON(w, putResult{Object: obj, URI: message.FormatURI(obj.ID, nil, nil)})
}

func runList(ctx context.Context, a *app, w io.Writer, typeName string, limit int) error {
	var filter memstore.ListFilter
	if typeName != "" {
		typ, err := memstore.ParseMemoryType(typeName)
		if err != nil {
			return err
		}
		filter.Type = typ
	}
	objs, err := a.store.List(ctx, filter)
	if err != nil {
		return err
	}
	if limit > 0 && len(objs) > limit {
		objs = objs[:limit]
	}
	if objs == nil {
		objs = []*memstore.Object{}
	}
	return writeJSON(w, objs)
}

// readInput reads the named file, or stdin when there is no argument or
// it is "-". The returned name is the file's base name, if any.
func readInput(stdin io.Reader, args []string) ([]byte, string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, "", fmt.Errorf("reading stdin: %w", err)
		}
		return data, "", nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, "", fmt.Errorf("reading file: %w", err)
	}
	name := args[0]
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return data, name, nil
}

// buildFetchRequest accepts a memory id or pointer URI. Explicit ranges
// replace the URI's range.
func buildFetchRequest(target, lines, bytes string) (fetch.Request, error) {
	var req fetch.Request
	if strings.Contains(target, "://") {
		ref, err := message.ParseURI(target)
		if err != nil {
			return fetch.Request{}, err
		}
		req = fetch.RequestFromPointer(ref)
	} else {
		req.MemoryID = target
	}

	if lines != "" {
		start, end, err := parsePair(lines)
		if err != nil {
			return fetch.Request{}, fmt.Errorf("invalid --lines %q: %w", lines, err)
		}
		req.LineStart, req.LineEnd = int(start), int(end)
		req.ByteOffset, req.ByteLen = 0, 0
	}
	if bytes != "" {
		off, n, err := parsePair(bytes)
		if err != nil {
			return fetch.Request{}, fmt.Errorf("invalid --bytes %q: %w", bytes, err)
		}
		req.ByteOffset, req.ByteLen = off, n
		req.LineStart, req.LineEnd = 0, 0
	}
	return req, nil
}

func parsePair(s string) (int64, int64, error) {
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, errors.New("expected A:B")
	}
	x, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
