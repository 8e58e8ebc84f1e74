package checkpoint

import (
	"time"

	"github.com/pkg/errors"
	"go.tessera.dev/core/codecs"
)

// Config is the checkpoint engine configuration.
type Config struct {
	ImageDirs []string `long:"image-dir" env:"IMAGE_DIRS" env-delim:"," description:"Storage directory holding namespace images (repeatable)"`
	EditsDirs []string `long:"edits-dir" env:"EDITS_DIRS" env-delim:"," description:"Storage directory holding edit journals (repeatable)"`

	CheckpointDirs      []string `long:"checkpoint.dir" env:"CHECKPOINT_DIRS" env-delim:"," description:"External checkpoint image directory to import from (repeatable)"`
	CheckpointEditsDirs []string `long:"checkpoint.edits-dir" env:"CHECKPOINT_EDITS_DIRS" env-delim:"," description:"External checkpoint edits directory to import from (repeatable)"`

	Compress         bool   `long:"image.compress" env:"IMAGE_COMPRESS" description:"Compress saved images"`
	CompressionCodec string `long:"image.compression-codec" env:"IMAGE_COMPRESSION_CODEC" default:"gzip" description:"Registered codec used to compress saved images"`
	SaveOnStart      bool   `long:"image.save-on-start" env:"IMAGE_SAVE_ON_START" description:"Re-save the image immediately after startup when a save is indicated"`

	TransferBandwidth int64 `long:"image.transfer-bandwidth" env:"IMAGE_TRANSFER_BANDWIDTH" description:"Bytes per second granted to external image transfers; zero disables throttling"`

	CheckpointPeriod time.Duration `long:"checkpoint.period" env:"CHECKPOINT_PERIOD" default:"1h" description:"Elapsed time after which loaded edits trigger an image re-save"`
	CheckpointSize   int64         `long:"checkpoint.size" env:"CHECKPOINT_SIZE" default:"4194304" description:"Edits file size beyond which loaded edits trigger an image re-save"`

	RestoreFailedStorage bool `long:"restore-failed-storage" env:"RESTORE_FAILED_STORAGE" description:"Re-accept evicted storage directories which become writable again"`
}

// Validate returns an error if the Config is malformed.
func (cfg Config) Validate() error {
	if len(cfg.ImageDirs) == 0 {
		return errors.New("at least one image directory is required")
	} else if len(cfg.EditsDirs) == 0 {
		return errors.New("at least one edits directory is required")
	}
	if cfg.Compress {
		if cfg.CompressionCodec == "" {
			return errors.New("a compression codec is required when compression is enabled")
		} else if _, err := codecs.Lookup(cfg.CompressionCodec); err != nil {
			return err
		}
	}
	if cfg.CheckpointPeriod <= 0 {
		return errors.New("checkpoint period must be positive")
	} else if cfg.CheckpointSize <= 0 {
		return errors.New("checkpoint size must be positive")
	}
	return nil
}
