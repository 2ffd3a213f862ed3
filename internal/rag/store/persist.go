package store

import (
	"bufio"
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
)

// 持久化文件名。
const (
	VectorsFile  = "vectors.bin"
	MetadataFile = "metadata.db"
)

const (
	vectorsMagic   = "SRVX"
	vectorsVersion = 1
	// magic + version + dim + count
	vectorsHeaderSize = 4 + 4 + 4 + 8
	vectorsTrailer    = 4
	insertBatchSize   = 500
)

// Location 持久化位置。
type Location struct {
	Dir      string `json:"dir"`
	Vectors  string `json:"vectors"`
	Metadata string `json:"metadata"`
}

// SourceFile 增量更新清单中的一个源文件。
type SourceFile struct {
	Path    string
	Hash    string
	Size    int64
	ModTime time.Time
}

type chunkRecord struct {
	Position      int    `gorm:"column:position;primaryKey;autoIncrement:false"`
	ChunkID       string `gorm:"column:chunk_id;size:512;not null;uniqueIndex:uk_chunk_id"`
	DocumentID    string `gorm:"column:document_id;size:64;not null;index:idx_document_id"`
	SequenceIndex int    `gorm:"column:sequence_index;not null"`
	Text          string `gorm:"column:text;not null"`
	Metadata      string `gorm:"column:metadata"`
}

func (chunkRecord) TableName() string { return "chunk_records" }

type sourceFileRecord struct {
	Path    string `gorm:"column:path;primaryKey"`
	Hash    string `gorm:"column:hash;size:64;not null"`
	Size    int64  `gorm:"column:size"`
	ModTime int64  `gorm:"column:mod_time;comment:修改时间(毫秒)"`
}

func (sourceFileRecord) TableName() string { return "source_files" }

type indexMetaRecord struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value"`
}

func (indexMetaRecord) TableName() string { return "index_meta" }

func openDB(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Persist 把索引当前快照与源文件清单写入 dir。
// 两个文件先写入临时文件，再通过 rename 替换。
func Persist(ctx context.Context, idx *Index, dir string, files ...SourceFile) (Location, error) {
	loc := NewLocation(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return loc, errors.ErrIndexPersist.WithCause(err)
	}

	entries := idx.Entries()
	dim := idx.Dimension()

	vecTmp := loc.Vectors + ".tmp"
	metaTmp := loc.Metadata + ".tmp"
	defer os.Remove(vecTmp)
	defer os.Remove(metaTmp)

	if err := writeVectors(vecTmp, dim, entries); err != nil {
		return loc, errors.ErrIndexPersist.WithCause(err)
	}
	meta := map[string]string{
		"dimension":  strconv.Itoa(dim),
		"count":      strconv.Itoa(len(entries)),
		"metric":     idx.Metric(),
		"version":    strconv.FormatUint(idx.Version(), 10),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeMetadata(ctx, metaTmp, entries, files, meta); err != nil {
		return loc, errors.ErrIndexPersist.WithCause(err)
	}

	if err := os.Rename(metaTmp, loc.Metadata); err != nil {
		return loc, errors.ErrIndexPersist.WithCause(err)
	}
	if err := os.Rename(vecTmp, loc.Vectors); err != nil {
		return loc, errors.ErrIndexPersist.WithCause(err)
	}
	return loc, nil
}

func writeVectors(path string, dim int, entries []Entry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	crc := crc32.NewIEEE()
	w := bufio.NewWriter(io.MultiWriter(f, crc))

	var header [vectorsHeaderSize]byte
	copy(header[:4], vectorsMagic)
	binary.LittleEndian.PutUint32(header[4:], vectorsVersion)
	binary.LittleEndian.PutUint32(header[8:], uint32(dim))
	binary.LittleEndian.PutUint64(header[12:], uint64(len(entries)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	var buf [4]byte
	for _, e := range entries {
		for _, x := range e.Vector {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(x))
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(buf[:], crc.Sum32())
	if _, err := f.Write(buf[:]); err != nil {
		return err
	}
	return f.Sync()
}

func writeMetadata(ctx context.Context, path string, entries []Entry, files []SourceFile, meta map[string]string) (err error) {
	_ = os.Remove(path)
	db, err := openDB(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeDB(db); err == nil {
			err = cerr
		}
	}()

	if err := db.AutoMigrate(&chunkRecord{}, &sourceFileRecord{}, &indexMetaRecord{}); err != nil {
		return err
	}

	records := make([]chunkRecord, len(entries))
	for i, e := range entries {
		md, err := json.MarshalString(e.Chunk.Metadata)
		if err != nil {
			return fmt.Errorf("chunk %s metadata: %w", e.Chunk.ID, err)
		}
		records[i] = chunkRecord{
			Position:      i,
			ChunkID:       e.Chunk.ID,
			DocumentID:    e.Chunk.DocumentID,
			SequenceIndex: e.Chunk.SequenceIndex,
			Text:          e.Chunk.Text,
			Metadata:      md,
		}
	}
	sources := make([]sourceFileRecord, len(files))
	for i, f := range files {
		sources[i] = sourceFileRecord{Path: f.Path, Hash: f.Hash, Size: f.Size, ModTime: f.ModTime.UnixMilli()}
	}
	metas := make([]indexMetaRecord, 0, len(meta))
	for k, v := range meta {
		metas = append(metas, indexMetaRecord{Key: k, Value: v})
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(records) > 0 {
			if err := tx.CreateInBatches(records, insertBatchSize).Error; err != nil {
				return err
			}
		}
		if len(sources) > 0 {
			if err := tx.CreateInBatches(sources, insertBatchSize).Error; err != nil {
				return err
			}
		}
		return tx.Create(&metas).Error
	})
}

// NewLocation 返回 dir 下两个持久化文件的路径。
func NewLocation(dir string) Location {
	return Location{
		Dir:      dir,
		Vectors:  filepath.Join(dir, VectorsFile),
		Metadata: filepath.Join(dir, MetadataFile),
	}
}

// checkArtifacts 两个文件必须同时存在。
func checkArtifacts(dir string) (Location, error) {
	loc := NewLocation(dir)
	for _, p := range []string{loc.Vectors, loc.Metadata} {
		if _, err := os.Stat(p); err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				return loc, errors.ErrIndexArtifactMissing.WithMessagef("%s not found", p)
			}
			return loc, errors.ErrIndexCorrupt.WithCause(err)
		}
	}
	return loc, nil
}

// Exists 两个持久化文件是否都存在。
func Exists(dir string) bool {
	_, err := checkArtifacts(dir)
	return err == nil
}

// Load 从 dir 读取索引。
func Load(ctx context.Context, dir string) (*Index, error) {
	loc, err := checkArtifacts(dir)
	if err != nil {
		return nil, err
	}

	dim, vectors, err := readVectors(loc.Vectors)
	if err != nil {
		return nil, err
	}

	db, err := openDB(loc.Metadata)
	if err != nil {
		return nil, errors.ErrIndexCorrupt.WithCause(err)
	}
	defer closeDB(db)

	meta, err := readMeta(ctx, db)
	if err != nil {
		return nil, err
	}
	if d, _ := strconv.Atoi(meta["dimension"]); d != dim {
		return nil, errors.ErrIndexCorrupt.WithMessagef("metadata dimension %s does not match vectors %d", meta["dimension"], dim)
	}

	var records []chunkRecord
	if err := db.WithContext(ctx).Order("position").Find(&records).Error; err != nil {
		return nil, errors.ErrIndexCorrupt.WithCause(err)
	}
	if len(records) != len(vectors) {
		return nil, errors.ErrIndexCorrupt.WithMessagef("metadata has %d chunks, vectors has %d", len(records), len(vectors))
	}

	entries := make([]Entry, len(records))
	for i, r := range records {
		if r.Position != i {
			return nil, errors.ErrIndexCorrupt.WithMessagef("chunk position %d found at row %d", r.Position, i)
		}
		var md Metadata
		if r.Metadata != "" && r.Metadata != "null" {
			if err := json.UnmarshalString(r.Metadata, &md); err != nil {
				return nil, errors.ErrIndexCorrupt.WithCause(fmt.Errorf("chunk %s metadata: %w", r.ChunkID, err))
			}
		}
		entries[i] = Entry{
			Chunk: Chunk{
				ID:            r.ChunkID,
				DocumentID:    r.DocumentID,
				Text:          r.Text,
				SequenceIndex: r.SequenceIndex,
				Metadata:      md,
			},
			Vector: vectors[i],
		}
	}

	version, err := metaVersion(meta)
	if err != nil {
		return nil, err
	}

	// 维度不固定，之后的强制重建可以更换向量模型
	idx := NewIndex(0)
	idx.dim.Store(int64(dim))
	if err := idx.Restore(entries, version); err != nil {
		return nil, errors.ErrIndexCorrupt.WithCause(err)
	}
	return idx, nil
}

func metaVersion(meta map[string]string) (uint64, error) {
	v := meta["version"]
	if v == "" {
		return 0, nil
	}
	version, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.ErrIndexCorrupt.WithMessagef("invalid index version %q", v)
	}
	return version, nil
}

// LoadVersion 读取持久化索引的快照版本。
func LoadVersion(ctx context.Context, dir string) (uint64, error) {
	loc, err := checkArtifacts(dir)
	if err != nil {
		return 0, err
	}
	db, err := openDB(loc.Metadata)
	if err != nil {
		return 0, errors.ErrIndexCorrupt.WithCause(err)
	}
	defer closeDB(db)

	meta, err := readMeta(ctx, db)
	if err != nil {
		return 0, err
	}
	return metaVersion(meta)
}

func readMeta(ctx context.Context, db *gorm.DB) (map[string]string, error) {
	var metas []indexMetaRecord
	if err := db.WithContext(ctx).Find(&metas).Error; err != nil {
		return nil, errors.ErrIndexCorrupt.WithCause(err)
	}
	meta := make(map[string]string, len(metas))
	for _, m := range metas {
		meta[m.Key] = m.Value
	}
	return meta, nil
}

func readVectors(path string) (int, [][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, errors.ErrIndexCorrupt.WithCause(err)
	}
	if len(data) < vectorsHeaderSize+vectorsTrailer || string(data[:4]) != vectorsMagic {
		return 0, nil, errors.ErrIndexCorrupt.WithMessage("vectors file has a bad header")
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != vectorsVersion {
		return 0, nil, errors.ErrIndexCorrupt.WithMessagef("unsupported vectors format version %d", v)
	}
	dim := int(binary.LittleEndian.Uint32(data[8:]))
	count := binary.LittleEndian.Uint64(data[12:])

	want := uint64(vectorsHeaderSize+vectorsTrailer) + count*uint64(dim)*4
	if uint64(len(data)) != want {
		return 0, nil, errors.ErrIndexCorrupt.WithMessagef("vectors file is %d bytes, expected %d", len(data), want)
	}
	body := data[:len(data)-vectorsTrailer]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[len(data)-vectorsTrailer:]) {
		return 0, nil, errors.ErrIndexCorrupt.WithMessage("vectors checksum mismatch")
	}

	vectors := make([][]float32, count)
	off := vectorsHeaderSize
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		vectors[i] = v
	}
	return dim, vectors, nil
}

// LoadManifest 读取源文件清单。
func LoadManifest(ctx context.Context, dir string) ([]SourceFile, error) {
	loc, err := checkArtifacts(dir)
	if err != nil {
		return nil, err
	}
	db, err := openDB(loc.Metadata)
	if err != nil {
		return nil, errors.ErrIndexCorrupt.WithCause(err)
	}
	defer closeDB(db)

	var records []sourceFileRecord
	if err := db.WithContext(ctx).Order("path").Find(&records).Error; err != nil {
		return nil, errors.ErrIndexCorrupt.WithCause(err)
	}
	files := make([]SourceFile, len(records))
	for i, r := range records {
		files[i] = SourceFile{Path: r.Path, Hash: r.Hash, Size: r.Size, ModTime: time.UnixMilli(r.ModTime).UTC()}
	}
	return files, nil
}
