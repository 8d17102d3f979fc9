// Пакет filestore — файловая граница конвейера: каталог наблюдения,
// датированный архив и карантин. Обеспечивает потоковый подсчёт SHA-256,
// атомарное перемещение файлов и запись диагностических файлов карантина.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// DayLayout — формат имени датированного каталога архива.
const DayLayout = "2006-01-02"

// fingerprintBlockSize — размер блока чтения при подсчёте отпечатка.
const fingerprintBlockSize = 4096

// ErrFileNotFound — файл отсутствует во всех известных местах.
var ErrFileNotFound = errors.New("файл не найден")

// FileStore — раскладка каталогов конвейера на диске.
type FileStore struct {
	watchDir      string
	archiveDir    string
	quarantineDir string
}

// Candidate — обычный файл в каталоге наблюдения.
type Candidate struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
}

// ArchiveDay — подкаталог архива.
type ArchiveDay struct {
	Name string
	Path string
	// Date — разобранная дата; нулевая, если имя не является датой
	Date time.Time
	// Dated — имя разобрано как YYYY-MM-DD
	Dated bool
}

// New создаёт FileStore. Создаёт каталоги, если они не существуют.
func New(watchDir, archiveDir, quarantineDir string) (*FileStore, error) {
	for _, dir := range []string{watchDir, archiveDir, quarantineDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать каталог %s: %w", dir, err)
		}
	}
	return &FileStore{
		watchDir:      watchDir,
		archiveDir:    archiveDir,
		quarantineDir: quarantineDir,
	}, nil
}

// WatchDir возвращает каталог наблюдения.
func (fs *FileStore) WatchDir() string { return fs.watchDir }

// ArchiveDir возвращает корень архива.
func (fs *FileStore) ArchiveDir() string { return fs.archiveDir }

// QuarantineDir возвращает каталог карантина.
func (fs *FileStore) QuarantineDir() string { return fs.quarantineDir }

// Fingerprint вычисляет SHA-256 содержимого файла, читая его блоками.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, fingerprintBlockSize)
	if _, err := io.CopyBuffer(hasher, f, buf); err != nil {
		return "", fmt.Errorf("ошибка вычисления отпечатка %s: %w", path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ListCandidates возвращает обычные файлы каталога наблюдения,
// имя которых соответствует шаблону pattern. Порядок — по имени.
// Вложенные каталоги не просматриваются.
func (fs *FileStore) ListCandidates(pattern string) ([]Candidate, error) {
	entries, err := os.ReadDir(fs.watchDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения каталога %s: %w", fs.watchDir, err)
	}

	var result []Candidate
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ok, err := filepath.Match(pattern, e.Name())
		if err != nil {
			return nil, fmt.Errorf("некорректный шаблон %q: %w", pattern, err)
		}
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Файл исчез между ReadDir и Info
			continue
		}
		result = append(result, Candidate{
			Path:    filepath.Join(fs.watchDir, e.Name()),
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return result, nil
}

// ArchivePath возвращает путь файла в архиве за день day.
func (fs *FileStore) ArchivePath(fileName string, day time.Time) string {
	return filepath.Join(fs.archiveDir, day.Format(DayLayout), fileName)
}

// QuarantinePath возвращает путь файла в карантине.
func (fs *FileStore) QuarantinePath(fileName string) string {
	return filepath.Join(fs.quarantineDir, fileName)
}

// Exists проверяет существование файла.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AvailablePath возвращает dst, если такого файла нет, иначе
// имя с суффиксом: {stem}_{tag}{ext}, затем {stem}_{tag}_{uuid8}{ext}.
func AvailablePath(dst, tag string) string {
	if !Exists(dst) {
		return dst
	}
	dir := filepath.Dir(dst)
	ext := filepath.Ext(dst)
	stem := strings.TrimSuffix(filepath.Base(dst), ext)

	candidate := filepath.Join(dir, fmt.Sprintf("%s_%s%s", stem, tag, ext))
	if !Exists(candidate) {
		return candidate
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s%s", stem, tag, uuid.New().String()[:8], ext))
}

// MoveFile перемещает src в dst, создавая каталог назначения.
//
// В пределах одной файловой системы — атомарный rename. Между разными
// файловыми системами (EXDEV) — копирование во временный файл рядом с dst,
// fsync, rename и удаление источника: в dst никогда не виден частичный файл.
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("не удалось создать каталог %s: %w", filepath.Dir(dst), err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("ошибка перемещения %s → %s: %w", src, dst, err)
	}

	if err := copyAtomic(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("файл скопирован, но источник не удалён %s: %w", src, err)
	}
	return nil
}

// copyAtomic копирует src в dst через writeAtomic.
func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ошибка открытия %s: %w", src, err)
	}
	defer in.Close()

	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// Open открывает файл для чтения. Отсутствующий файл — ErrFileNotFound.
// Вызывающий код обязан закрыть файл.
func Open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	return f, nil
}

// Resolve находит файл записи. Порядок поиска: текущий путь,
// датированный архив (день archivedAt, иначе today), карантин, каталог наблюдения.
func (fs *FileStore) Resolve(filePath, fileName string, archivedAt *time.Time, today time.Time) (string, error) {
	day := today
	if archivedAt != nil {
		day = archivedAt.In(today.Location())
	}

	candidates := []string{
		filePath,
		fs.ArchivePath(fileName, day),
		fs.QuarantinePath(fileName),
		filepath.Join(fs.watchDir, fileName),
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrFileNotFound, fileName)
}

// ListArchiveDays возвращает непосредственные подкаталоги архива
// в порядке имени (os.ReadDir сортирует). Имена, не являющиеся датой, помечаются Dated=false.
func (fs *FileStore) ListArchiveDays(loc *time.Location) ([]ArchiveDay, error) {
	entries, err := os.ReadDir(fs.archiveDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения архива %s: %w", fs.archiveDir, err)
	}

	var days []ArchiveDay
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day := ArchiveDay{
			Name: e.Name(),
			Path: filepath.Join(fs.archiveDir, e.Name()),
		}
		if d, err := time.ParseInLocation(DayLayout, e.Name(), loc); err == nil {
			day.Date = d
			day.Dated = true
		}
		days = append(days, day)
	}
	return days, nil
}

// RemoveAll рекурсивно удаляет каталог.
func RemoveAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("ошибка удаления %s: %w", path, err)
	}
	return nil
}
