package remotelayout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArtifactPath(t *testing.T) {
	tests := []struct {
		name     string
		artifact Artifact
		want     string
	}{
		{
			name: "full backup",
			artifact: Artifact{
				Base: "/mnt/user/backups", Client: "nas1", Month: "202607",
				Kind: "full", Subvolume: "@", Date: "20260701",
			},
			want: "/mnt/user/backups/nas1/202607/full/@_20260701_full.btrfs.gpg",
		},
		{
			name: "incremental backup",
			artifact: Artifact{
				Base: "/mnt/user/backups", Client: "nas1", Month: "202607",
				Kind: "incremental", Subvolume: "@home", Date: "20260715",
			},
			want: "/mnt/user/backups/nas1/202607/incremental/@home_20260715_incremental.btrfs.gpg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.artifact.Path())
		})
	}
}

func TestArtifactDir(t *testing.T) {
	a := Artifact{Base: "/mnt/user/backups", Client: "nas1", Month: "202607", Kind: "full"}
	assert.Equal(t, "/mnt/user/backups/nas1/202607/full", a.Dir())
}
