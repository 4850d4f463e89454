// Package sandboxfs implements the gateway-side half of the zero-copy file
// transfer path: because a worker's writable filesystem is also mounted on
// the gateway host, uploads and exports are plain local file I/O against
// that mount point, never a copy through the worker's network stack.
package sandboxfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/codeinterp/gateway/internal/gatewayerr"
	"github.com/codeinterp/gateway/internal/metrics"
)

const sandboxRoot = "/sandbox"
const chunkSize = 8192

var transferClient = &http.Client{
	Timeout: 120 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse // redirects disabled: never follow one for a download
	},
}

// FS resolves sandbox-relative paths against one worker's mount point and
// performs upload/export/delete against the gateway's own filesystem.
type FS struct {
	mountPoint             string
	fileOpSemaphore        *semaphore.Weighted
	ssrfProtectionEnabled  bool
}

// New builds a FS bound to mountPoint, sharing fileOpSemaphore across every
// worker in the pool (capacity 3*MAX_TOTAL_WORKERS, per the pool's
// configuration) so one greedy batch can't starve unrelated users.
func New(mountPoint string, fileOpSemaphore *semaphore.Weighted, ssrfProtectionEnabled bool) *FS {
	return &FS{
		mountPoint:            mountPoint,
		fileOpSemaphore:       fileOpSemaphore,
		ssrfProtectionEnabled: ssrfProtectionEnabled,
	}
}

// ComputePath resolves (dir, name) to the gateway-local path backing
// /sandbox/dir/name inside the worker. It rejects a name containing a path
// separator and any resolution that escapes the sandbox root.
func (fs *FS) ComputePath(dir, name string) (string, error) {
	if strings.ContainsAny(name, "/\\") {
		return "", gatewayerr.New(gatewayerr.KindPath, "sandboxfs.compute_path", fmt.Errorf("invalid filename"))
	}

	dir = path.Clean("/" + dir)
	if path.Base(dir) == name {
		dir = path.Dir(dir)
	}

	full := path.Join(dir, name)
	rel, err := filepath.Rel(sandboxRoot, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", gatewayerr.New(gatewayerr.KindPath, "sandboxfs.compute_path", fmt.Errorf("path escapes sandbox boundary"))
	}

	return filepath.Join(fs.mountPoint, rel), nil
}

// UploadItem is one file to fetch from a presigned URL and write into the
// sandbox.
type UploadItem struct {
	Path        string
	Name        string
	DownloadURL string
}

// UploadResult is returned on a successful upload.
type UploadResult struct {
	FullPath string
	Size     int64
}

// UploadFile downloads the item's URL and atomically writes it to the
// sandbox (temp file + rename), enforcing maxBytes both from the
// content-length header and the running total as it streams.
func (fs *FS) UploadFile(ctx context.Context, item UploadItem, maxBytes int64) (*UploadResult, error) {
	if fs.ssrfProtectionEnabled {
		if err := guardAgainstSSRF(item.DownloadURL); err != nil {
			return nil, gatewayerr.New(gatewayerr.KindSecurity, "sandboxfs.upload_file", err)
		}
	}

	target, err := fs.ComputePath(item.Path, item.Name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, gatewayerr.New(gatewayerr.KindInvariant, "sandboxfs.upload_file", err)
	}

	tmpPath := fmt.Sprintf("%s.%s.tmp", target, uuid.New().String()[:12])

	size, err := fs.downloadToTemp(ctx, item.DownloadURL, tmpPath, maxBytes)
	if err != nil {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Printf("sandboxfs: failed to clean up temp file: %v", rmErr)
		}
		return nil, err
	}

	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return nil, gatewayerr.New(gatewayerr.KindInvariant, "sandboxfs.upload_file", err)
	}

	rel, _ := filepath.Rel(fs.mountPoint, target)
	return &UploadResult{FullPath: path.Join(sandboxRoot, rel), Size: size}, nil
}

func (fs *FS) downloadToTemp(ctx context.Context, url, tmpPath string, maxBytes int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, gatewayerr.New(gatewayerr.KindDownload, "sandboxfs.upload_file", err)
	}

	resp, err := transferClient.Do(req)
	if err != nil {
		return 0, gatewayerr.New(gatewayerr.KindDownload, "sandboxfs.upload_file", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return 0, gatewayerr.New(gatewayerr.KindDownload, "sandboxfs.upload_file", fmt.Errorf("download returned status %d", resp.StatusCode))
	}
	if resp.ContentLength > 0 && resp.ContentLength > maxBytes {
		return 0, gatewayerr.New(gatewayerr.KindTooLarge, "sandboxfs.upload_file", fmt.Errorf("content-length %d exceeds limit %d", resp.ContentLength, maxBytes))
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, gatewayerr.New(gatewayerr.KindInvariant, "sandboxfs.upload_file", err)
	}
	defer f.Close()

	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > maxBytes {
				return 0, gatewayerr.New(gatewayerr.KindTooLarge, "sandboxfs.upload_file", fmt.Errorf("streamed size %d exceeds limit %d", total, maxBytes))
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return 0, gatewayerr.New(gatewayerr.KindInvariant, "sandboxfs.upload_file", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, gatewayerr.New(gatewayerr.KindDownload, "sandboxfs.upload_file", rerr)
		}
	}
	return total, nil
}

// ExportItem is one sandbox file to stream to a presigned upload URL.
type ExportItem struct {
	Path      string
	Name      string
	UploadURL string
}

// ExportResult is returned on a successful export.
type ExportResult struct {
	Path string
	Name string
	Size int64
}

// ExportFile streams a sandbox file's contents to the item's upload URL
// without ever buffering the whole file in memory.
func (fs *FS) ExportFile(ctx context.Context, item ExportItem) (*ExportResult, error) {
	source, err := fs.ComputePath(item.Path, item.Name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gatewayerr.New(gatewayerr.KindNotFound, "sandboxfs.export_file", err)
		}
		return nil, gatewayerr.New(gatewayerr.KindInvariant, "sandboxfs.export_file", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindInvariant, "sandboxfs.export_file", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, item.UploadURL, f)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindUpload, "sandboxfs.export_file", err)
	}
	req.ContentLength = stat.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := transferClient.Do(req)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindUpload, "sandboxfs.export_file", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, gatewayerr.New(gatewayerr.KindUpload, "sandboxfs.export_file", fmt.Errorf("upload returned status %d", resp.StatusCode))
	}

	return &ExportResult{Path: item.Path, Name: item.Name, Size: stat.Size()}, nil
}

// DeleteFile removes a single sandbox file. A missing file is not an error.
func (fs *FS) DeleteFile(ctx context.Context, dir, name string) error {
	target, err := fs.ComputePath(dir, name)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return gatewayerr.New(gatewayerr.KindInvariant, "sandboxfs.delete_file", err)
	}
	return nil
}

// DeleteItem is one sandbox file to remove.
type DeleteItem struct {
	Path string
	Name string
}

// DeleteResult is returned for a successfully deleted (or already-absent)
// item.
type DeleteResult struct {
	Path string
	Name string
}

// runWithSemaphore bounds one file operation by the pool-wide semaphore.
func runWithSemaphore[T any](ctx context.Context, sem *semaphore.Weighted, fn func() (T, error)) (T, error) {
	var zero T
	if err := sem.Acquire(ctx, 1); err != nil {
		return zero, gatewayerr.New(gatewayerr.KindCapacity, "sandboxfs.file_op_semaphore", err)
	}
	defer sem.Release(1)
	metrics.FileOpsInflight.Inc()
	defer metrics.FileOpsInflight.Dec()
	return fn()
}

// UploadFiles uploads every item concurrently, bounded by the shared
// semaphore, and aggregates failures into a BatchError naming neither path
// nor URL.
func (fs *FS) UploadFiles(ctx context.Context, items []UploadItem, maxBytes int64) ([]UploadResult, error) {
	log.Printf("sandboxfs: uploading %d file(s)", len(items))
	return runBatch(ctx, fs.fileOpSemaphore, items, "Upload", func(item UploadItem) (UploadResult, error) {
		r, err := fs.UploadFile(ctx, item, maxBytes)
		if err != nil {
			return UploadResult{}, err
		}
		return *r, nil
	})
}

// ExportFiles exports every item concurrently, bounded by the shared
// semaphore, and aggregates failures the same way UploadFiles does.
func (fs *FS) ExportFiles(ctx context.Context, items []ExportItem) ([]ExportResult, error) {
	log.Printf("sandboxfs: exporting %d file(s)", len(items))
	return runBatch(ctx, fs.fileOpSemaphore, items, "Export", func(item ExportItem) (ExportResult, error) {
		r, err := fs.ExportFile(ctx, item)
		if err != nil {
			return ExportResult{}, err
		}
		return *r, nil
	})
}

// DeleteFiles removes every item concurrently, bounded by the shared
// semaphore, and aggregates failures the same way UploadFiles does.
func (fs *FS) DeleteFiles(ctx context.Context, items []DeleteItem) ([]DeleteResult, error) {
	log.Printf("sandboxfs: deleting %d file(s)", len(items))
	return runBatch(ctx, fs.fileOpSemaphore, items, "Delete", func(item DeleteItem) (DeleteResult, error) {
		if err := fs.DeleteFile(ctx, item.Path, item.Name); err != nil {
			return DeleteResult{}, err
		}
		return DeleteResult{Path: item.Path, Name: item.Name}, nil
	})
}

func runBatch[I any, R any](ctx context.Context, sem *semaphore.Weighted, items []I, operation string, one func(I) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item I) {
			defer wg.Done()
			r, err := runWithSemaphore(ctx, sem, func() (R, error) { return one(item) })
			results[i] = r
			errs[i] = err
		}(i, item)
	}
	wg.Wait()

	var failed int
	var firstErr string
	firstKind := gatewayerr.KindInvariant
	var successful []R
	for i, err := range errs {
		if err != nil {
			failed++
			if firstErr == "" {
				var gwErr *gatewayerr.Error
				if ok := errors.As(err, &gwErr); ok {
					firstKind = gwErr.Kind
				}
				firstErr = string(firstKind)
			}
			continue
		}
		successful = append(successful, results[i])
	}

	if failed > 0 {
		return successful, gatewayerr.New(firstKind, "sandboxfs."+operation, &gatewayerr.BatchError{
			Operation:  operation,
			Failed:     failed,
			Total:      len(items),
			FirstError: firstErr,
		})
	}
	return successful, nil
}

// guardAgainstSSRF blocks a download URL whose host resolves to loopback,
// link-local, or RFC1918 private space, unless SSRF protection is disabled
// entirely for the process.
func guardAgainstSSRF(rawURL string) error {
	host, err := extractHost(rawURL)
	if err != nil {
		return err
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve host: %w", err)
	}

	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || isPrivate(addr) {
			return fmt.Errorf("blocked address %s for host %s", addr, host)
		}
	}
	return nil
}

func isPrivate(addr netip.Addr) bool {
	return addr.IsPrivate()
}

func extractHost(rawURL string) (string, error) {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return "", fmt.Errorf("malformed URL")
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		rest = rest[at+1:]
	}
	host, _, err := net.SplitHostPort(rest)
	if err != nil {
		return rest, nil
	}
	return host, nil
}
