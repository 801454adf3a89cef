package internal

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

// staticHandler 靜態檔案，找不到的路徑回退到 index.html（單頁應用）
type staticHandler struct {
	root       fs.FS
	fileServer http.Handler
}

// newStaticHandler dir 不存在時回傳 nil
func newStaticHandler(dir string) http.Handler {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil
	}
	root := os.DirFS(dir)
	return &staticHandler{
		root:       root,
		fileServer: http.FileServerFS(root),
	}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = "."
	}

	if _, err := fs.Stat(h.root, name); errors.Is(err, fs.ErrNotExist) {
		http.ServeFileFS(w, r, h.root, "index.html")
		return
	}
	h.fileServer.ServeHTTP(w, r)
}
