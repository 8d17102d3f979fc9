package filestore

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
)

// DirChecker проверяет, что каталоги конвейера существуют и доступны на запись.
// Каталог наблюдения тоже должен быть записываемым: файлы уходят из него rename.
type DirChecker struct {
	dirs map[string]string
}

// NewDirChecker создаёт проверку для каталогов хранилища и дополнительных
// каталогов (например, журнала перемещений). Ключ extra — имя в сообщении.
func NewDirChecker(fs *FileStore, extra map[string]string) *DirChecker {
	dirs := map[string]string{
		"watch":      fs.watchDir,
		"archive":    fs.archiveDir,
		"quarantine": fs.quarantineDir,
	}
	for name, dir := range extra {
		dirs[name] = dir
	}
	return &DirChecker{dirs: dirs}
}

// CheckReady возвращает "ok" или "fail" с перечнем проблемных каталогов.
func (c *DirChecker) CheckReady() (status, message string) {
	var problems []string
	for _, name := range slices.Sorted(maps.Keys(c.dirs)) {
		if err := checkWritableDir(c.dirs[name]); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(problems) > 0 {
		return "fail", strings.Join(problems, "; ")
	}
	return "ok", fmt.Sprintf("каталогов: %d", len(c.dirs))
}

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s не является каталогом", dir)
	}
	f, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return fmt.Errorf("нет записи в %s: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
