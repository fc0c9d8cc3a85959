package fat12

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildWritesBootSectorSignature(t *testing.T) {
	img, err := Build(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(img) != totalSectors*bytesPerSector {
		t.Fatalf("expected a %d byte image; got %d", totalSectors*bytesPerSector, len(img))
	}
	if img[510] != 0x55 || img[511] != 0xAA {
		t.Fatalf("expected boot sector signature 55 AA; got %02x %02x", img[510], img[511])
	}
}

func TestBuildWritesDirectoryEntryAndData(t *testing.T) {
	img, err := Build([]File{{Name: "hello.txt", Data: []byte("hi there")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry := img[firstRootDirSector()*bytesPerSector : firstRootDirSector()*bytesPerSector+dirEntrySize]
	wantName := "HELLO   TXT"
	if diff := cmp.Diff(wantName, string(entry[0:11])); diff != "" {
		t.Errorf("8.3 name mismatch (-want +got):\n%s", diff)
	}

	firstCluster := int(entry[26]) | int(entry[27])<<8
	if firstCluster != 2 {
		t.Fatalf("expected first file to start at cluster 2; got %d", firstCluster)
	}

	dataSector := firstDataSector() + (firstCluster-2)*sectorsPerCluster
	got := img[dataSector*bytesPerSector : dataSector*bytesPerSector+len("hi there")]
	if diff := cmp.Diff("hi there", string(got)); diff != "" {
		t.Errorf("file data mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildChainsMultiClusterFiles(t *testing.T) {
	data := make([]byte, bytesPerSector*sectorsPerCluster+10)
	for i := range data {
		data[i] = byte(i)
	}
	img, err := Build([]File{{Name: "big.bin", Data: data}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fat := img[reservedSectors*bytesPerSector : reservedSectors*bytesPerSector+sectorsPerFAT*bytesPerSector]
	var t1 fatTable = fat
	// cluster 2 should chain to cluster 3
	offset := 2 + 2/2
	entry := uint16(t1[offset]) | uint16(t1[offset+1]&0x0F)<<8
	if entry != 3 {
		t.Fatalf("expected cluster 2 to chain to cluster 3; got %d", entry)
	}
}

func TestTo83RejectsOverlongNames(t *testing.T) {
	if _, err := to83("averylongname.txt"); err == nil {
		t.Fatal("expected an error for a name that doesn't fit 8.3")
	}
}
