package types

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CopyTokenizerFiles copies tokenizer.json, which is required, and whichever optional
// tokenizer side files exist.
func CopyTokenizerFiles(srcDir, dstDir string) error {
	for i, name := range TokenizerFiles {
		err := CopyFile(filepath.Join(srcDir, name), filepath.Join(dstDir, name))
		if err == nil {
			continue
		}
		if i > 0 && errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return fmt.Errorf("error copying tokenizer file %s: %w", name, err)
	}
	return nil
}

func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("error copying %s to %s: %w", src, dst, err)
	}
	return out.Close()
}
