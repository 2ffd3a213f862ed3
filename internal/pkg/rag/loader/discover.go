package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SupportedExtensions 默认支持的扩展名。
var SupportedExtensions = []string{".csv", ".tsv", ".xlsx", ".txt", ".md"}

// FindFiles 在目录中查找匹配指定扩展名的文件，结果按路径排序。
// 隐藏文件与隐藏目录、Office 临时文件 (~$) 被忽略。
func FindFiles(dir string, extensions []string) ([]string, error) {
	extMap := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		extMap[strings.ToLower(ext)] = true
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != dir && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$") {
			return nil
		}
		if extMap[strings.ToLower(filepath.Ext(name))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// FileInfo 文件指纹，用于增量更新。
type FileInfo struct {
	Path    string
	Hash    string
	Size    int64
	ModTime time.Time
}

// Fingerprint 计算文件的 SHA-256。
func Fingerprint(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return FileInfo{}, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Path:    path,
		Hash:    hex.EncodeToString(h.Sum(nil)),
		Size:    st.Size(),
		ModTime: st.ModTime().UTC(),
	}, nil
}

// Fingerprints 计算多个文件的指纹；失败的文件跳过并报告。
func Fingerprints(paths []string) ([]FileInfo, []Warning) {
	infos := make([]FileInfo, 0, len(paths))
	var warnings []Warning
	for _, p := range paths {
		info, err := Fingerprint(p)
		if err != nil {
			warnings = append(warnings, Warning{Path: p, Err: err})
			continue
		}
		infos = append(infos, info)
	}
	return infos, warnings
}
