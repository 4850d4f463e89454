package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/codeinterp/gateway/internal/gatewayerr"
	"github.com/codeinterp/gateway/internal/kernel"
	"github.com/codeinterp/gateway/internal/sandboxfs"
	"github.com/codeinterp/gateway/pkg/types"
)

const maxCodeBytes = 200 * 1024 * 1024 // 200 MiB
const maxBatchFiles = 100

func userIDFromRequest(c echo.Context) string {
	if uid := c.Request().Header.Get("X-User-Id"); uid != "" {
		return uid
	}
	return c.RealIP()
}

func (s *Server) execute(c echo.Context) error {
	var req types.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Code) > maxCodeBytes {
		return errJSON(c, http.StatusUnprocessableEntity, "code exceeds maximum size")
	}

	userID := userIDFromRequest(c)
	ctx := c.Request().Context()

	w, err := s.pool.Acquire(ctx, userID)
	if err != nil {
		return mapPoolError(c, err)
	}

	deadline := time.Now().Add(s.maxExecutionTimeout)
	result := w.Execute(ctx, req.Code, deadline)

	switch result.Status {
	case kernel.StatusOK:
		resp := types.ExecuteResponse{}
		if result.Type == kernel.TypeImagePNGBase64 {
			resp.ResultBase64 = result.Value
		} else {
			resp.ResultText = result.Value
		}
		return c.JSON(http.StatusOK, resp)

	case kernel.StatusError:
		if result.Type == kernel.TypeExecutionError {
			// User code raised; the worker is still healthy and is kept.
			return errJSON(c, http.StatusBadRequest, result.Value)
		}
		// connection_error / processing_error: the kernel channel is gone.
		s.pool.Release(userID)
		return errJSON(c, http.StatusServiceUnavailable, "execution engine unavailable, please retry")

	case kernel.StatusTimeout:
		s.pool.Release(userID)
		return errJSON(c, http.StatusServiceUnavailable, "execution timed out, please retry")

	default:
		s.pool.Release(userID)
		return errJSON(c, http.StatusServiceUnavailable, "execution engine unavailable, please retry")
	}
}

func (s *Server) uploadFiles(c echo.Context) error {
	var req types.FilesUploadRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Files) == 0 || len(req.Files) > maxBatchFiles {
		return errJSON(c, http.StatusUnprocessableEntity, "files must contain between 1 and 100 items")
	}

	userID := userIDFromRequest(c)
	ctx := c.Request().Context()

	w, err := s.pool.Acquire(ctx, userID)
	if err != nil {
		return mapPoolError(c, err)
	}

	items := make([]sandboxfs.UploadItem, len(req.Files))
	for i, f := range req.Files {
		items[i] = sandboxfs.UploadItem{Path: f.Path, Name: f.Name, DownloadURL: f.DownloadURL}
	}

	results, err := w.FS().UploadFiles(ctx, items, s.maxFileSizeBytes)
	if err != nil {
		return mapFileBatchError(c, err)
	}

	resp := types.FilesUploadResponse{Success: true, Results: make([]types.FileUploadResultItem, len(results))}
	for i, r := range results {
		resp.Results[i] = types.FileUploadResultItem{FullPath: r.FullPath, Size: r.Size}
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) deleteFiles(c echo.Context) error {
	var req types.FilesDeleteRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Files) == 0 || len(req.Files) > maxBatchFiles {
		return errJSON(c, http.StatusUnprocessableEntity, "files must contain between 1 and 100 items")
	}

	userID := userIDFromRequest(c)
	ctx := c.Request().Context()

	w, err := s.pool.Acquire(ctx, userID)
	if err != nil {
		return mapPoolError(c, err)
	}

	items := make([]sandboxfs.DeleteItem, len(req.Files))
	for i, f := range req.Files {
		items[i] = sandboxfs.DeleteItem{Path: f.Path, Name: f.Name}
	}

	if _, err := w.FS().DeleteFiles(ctx, items); err != nil {
		return mapFileBatchError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) exportFiles(c echo.Context) error {
	var req types.FilesExportRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Files) == 0 || len(req.Files) > maxBatchFiles {
		return errJSON(c, http.StatusUnprocessableEntity, "files must contain between 1 and 100 items")
	}

	userID := userIDFromRequest(c)
	ctx := c.Request().Context()

	w, err := s.pool.Acquire(ctx, userID)
	if err != nil {
		return mapPoolError(c, err)
	}

	items := make([]sandboxfs.ExportItem, len(req.Files))
	for i, f := range req.Files {
		items[i] = sandboxfs.ExportItem{Path: f.Path, Name: f.Name, UploadURL: f.UploadURL}
	}

	results, err := w.FS().ExportFiles(ctx, items)
	if err != nil {
		return mapFileBatchError(c, err)
	}

	resp := types.FilesExportResponse{Success: true, Results: make([]types.FileExportResultItem, len(results))}
	for i, r := range results {
		resp.Results[i] = types.FileExportResultItem{Path: r.Path, Name: r.Name, Size: r.Size}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) release(c echo.Context) error {
	userID := userIDFromRequest(c)
	s.pool.Release(userID)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) status(c echo.Context) error {
	total, idle, busy := s.pool.Counts()
	return c.JSON(http.StatusOK, types.StatusResponse{
		TotalWorkers: total,
		IdleWorkers:  idle,
		BusyWorkers:  busy,
		Initializing: s.pool.Initializing(),
	})
}

func mapPoolError(c echo.Context, err error) error {
	switch {
	case gatewayerr.Is(err, gatewayerr.KindShuttingDown):
		return errJSON(c, http.StatusServiceUnavailable, "gateway is shutting down")
	case gatewayerr.Is(err, gatewayerr.KindCapacity):
		return errJSON(c, http.StatusServiceUnavailable, "no capacity available, please retry")
	default:
		return errJSON(c, http.StatusGatewayTimeout, "worker unreachable")
	}
}

func mapFileBatchError(c echo.Context, err error) error {
	var batchErr *gatewayerr.BatchError
	if errors.As(err, &batchErr) {
		switch {
		case gatewayerr.Is(err, gatewayerr.KindTooLarge):
			return errJSON(c, http.StatusRequestEntityTooLarge, "a file exceeded the size limit")
		case gatewayerr.Is(err, gatewayerr.KindPath):
			return errJSON(c, http.StatusBadRequest, "invalid file path")
		case gatewayerr.Is(err, gatewayerr.KindDownload):
			return errJSON(c, http.StatusBadGateway, "download failed")
		case gatewayerr.Is(err, gatewayerr.KindUpload):
			return errJSON(c, http.StatusBadGateway, "upload failed")
		case gatewayerr.Is(err, gatewayerr.KindNotFound):
			return errJSON(c, http.StatusNotFound, "file not found")
		}
	}
	return errJSON(c, http.StatusInternalServerError, "please retry")
}
