package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/meigma/dirstream"
	dirhttp "github.com/meigma/dirstream/http"
	"github.com/meigma/dirstream/internal/pathutil"
	"github.com/meigma/dirstream/internal/platform"
)

var (
	errInvalidPath = errors.New("invalid path")
	errSymlink     = errors.New("path traverses a symbolic link")
)

// listing is the JSON body of a directory listing.
type listing struct {
	Path    string            `json:"path"`
	Entries []dirstream.Entry `json:"entries"`
}

func (s *Server) serve(c echo.Context) error {
	rel, err := cleanPath(strings.TrimPrefix(c.Request().URL.Path, s.route))
	if err != nil {
		return statusFor(err)
	}
	if s.single != "" {
		if rel != "." {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		rel = s.single
	}
	target, info, err := s.resolve(rel)
	if err != nil {
		return statusFor(err)
	}

	if name := c.QueryParam("download"); name != "" {
		return s.serveArchive(c, rel, target, info, name)
	}
	if info.IsDir() {
		if s.cfg.Index != "" {
			idx, idxInfo, err := s.resolve(pathutil.Join(rel, s.cfg.Index))
			if err == nil && idxInfo.Mode().IsRegular() {
				return s.serveFile(c, idx, idxInfo)
			}
		}
		return s.serveListing(c, rel, target)
	}
	return s.serveFile(c, target, info)
}

// cleanPath converts a request path to a slash-separated path relative to
// the served root, "." for the root itself.
func cleanPath(p string) (string, error) {
	if strings.Contains(p, "\\") {
		return "", errInvalidPath
	}
	rel := pathutil.Normalize(p)
	if rel != "." && !pathutil.Valid(rel) {
		return "", errInvalidPath
	}
	return rel, nil
}

// resolve returns the link-free OS path of rel inside the root and its
// metadata. Unless symlinks are followed, any symlinked path element makes
// the path unreachable. Followed symlinks must resolve inside the root.
func (s *Server) resolve(rel string) (string, fs.FileInfo, error) {
	name := filepath.FromSlash(rel)
	if s.cfg.FollowSymlinks {
		target, err := platform.Resolve(s.root, name)
		if err != nil {
			return "", nil, err
		}
		info, err := s.root.Stat(target)
		return target, info, err
	}

	if rel != "." {
		parts := strings.Split(rel, "/")
		for i := range parts {
			info, err := s.root.Lstat(filepath.Join(parts[:i+1]...))
			if err != nil {
				return "", nil, err
			}
			if info.Mode()&fs.ModeSymlink != 0 {
				return "", nil, errSymlink
			}
		}
	}
	info, err := s.root.Lstat(name)
	return name, info, err
}

func (s *Server) serveArchive(c echo.Context, rel, target string, info fs.FileInfo, name string) error {
	format, err := dirstream.ParseFormat(name)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !s.formats[format] {
		return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("archive format %s is disabled", format))
	}
	if !info.IsDir() {
		return echo.NewHTTPError(http.StatusBadRequest, "not a directory")
	}

	relRoot := rel
	if rel == "." {
		relRoot = ""
	}
	req := dirstream.Request{
		Root:           filepath.Join(s.rootPath, target),
		RelativeRoot:   relRoot,
		Format:         format,
		FollowSymlinks: s.cfg.FollowSymlinks,
	}

	streamer := dirhttp.NewStreamer(
		dirhttp.WithLogger(s.requestLogger(c)),
		dirhttp.WithMetrics(s.metrics),
		dirhttp.WithArchiveOptions(s.archive...),
	)
	if err := streamer.Generate(c.Response(), c.Request(), req); errors.Is(err, dirhttp.ErrStreamAborted) {
		panic(http.ErrAbortHandler)
	}
	return nil
}

func (s *Server) serveListing(c echo.Context, rel, target string) error {
	entries, err := dirstream.List(filepath.Join(s.rootPath, target), s.cfg.FollowSymlinks)
	if err != nil {
		return statusFor(err)
	}

	visible := entries[:0]
	for _, e := range entries {
		if e.Kind == dirstream.KindSymlink {
			continue
		}
		visible = append(visible, e)
	}

	p := s.route + "/"
	if rel != "." {
		p += rel
	}
	return c.JSON(http.StatusOK, listing{Path: p, Entries: visible})
}

func (s *Server) serveFile(c echo.Context, target string, info fs.FileInfo) error {
	if !info.Mode().IsRegular() {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	f, err := platform.OpenFile(s.root, target, s.cfg.FollowSymlinks)
	if err != nil {
		if errors.Is(err, platform.ErrSymlink) {
			return statusFor(errSymlink)
		}
		return statusFor(err)
	}
	defer f.Close()

	c.Response().Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(c.Response(), c.Request(), info.Name(), info.ModTime(), f)
	return nil
}
