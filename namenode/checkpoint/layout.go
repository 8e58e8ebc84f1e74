package checkpoint

import "go.tessera.dev/core/namenode/storage"

// CurrentLayoutVersion is the on-disk format generation written by this
// build. Layout versions are negative; more negative is newer.
const CurrentLayoutVersion int32 = -37

// Layout version thresholds. A feature is present in an image whose
// declared layout version is <= the threshold.
const (
	// storedTxIDsVersion added the image transaction id to the header.
	storedTxIDsVersion int32 = -37
	// localNameVersion switched the body to the local-name (preorder) form.
	localNameVersion int32 = -30
	// digestVersion requires an image digest in the VERSION file.
	digestVersion = storage.DigestIntroductionVersion
	// compressionVersion added the compression flag to the header.
	compressionVersion int32 = -25
	// dsQuotaVersion added directory disk-space quotas.
	dsQuotaVersion int32 = -18
	// atimeVersion added inode access times.
	atimeVersion int32 = -17
	// int64FilesVersion widened the file count to 64 bits and added
	// directory namespace quotas.
	int64FilesVersion int32 = -16
	// blockGenStampVersion added per-block generation stamps.
	blockGenStampVersion int32 = -14
	// underConstructionVersion added the files-under-construction section.
	underConstructionVersion int32 = -13
	// genStampHeaderVersion added the namespace generation stamp to the header.
	genStampHeaderVersion int32 = -12
	// permissionVersion added per-inode permissions.
	permissionVersion int32 = -11
	// negativeBlockCountVersion marks directories with a block count of -1;
	// older layouts mark them with zero.
	negativeBlockCountVersion int32 = -10
	// blockSizeVersion added per-file preferred block sizes.
	blockSizeVersion int32 = -8
	// oldestSupportedVersion is the oldest layout this build can load.
	oldestSupportedVersion int32 = -7
)
