package datastore

import "testing"

func TestNewAzureBlobLocationParsing(t *testing.T) {
	tests := []struct {
		location string
		wantErr  bool
	}{
		{"myaccount/training-data", false},
		{"myaccount", true},
		{"/container", true},
		{"account/", true},
		{"", true},
	}

	// A connection string avoids the default credential chain probing the
	// environment during construction.
	t.Setenv(envAzureConnectionString,
		"DefaultEndpointsProtocol=https;AccountName=myaccount;AccountKey=bXlrZXk=;EndpointSuffix=core.windows.net")

	for _, tt := range tests {
		_, err := NewAzureBlob(tt.location)
		if tt.wantErr && err == nil {
			t.Errorf("NewAzureBlob(%q) error = nil, want error", tt.location)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("NewAzureBlob(%q) error = %v", tt.location, err)
		}
	}
}

func TestAzureBlobMountRequiresStaging(t *testing.T) {
	t.Setenv(envAzureConnectionString,
		"DefaultEndpointsProtocol=https;AccountName=myaccount;AccountKey=bXlrZXk=;EndpointSuffix=core.windows.net")

	a, err := NewAzureBlob("myaccount/training-data")
	if err != nil {
		t.Fatalf("NewAzureBlob: %v", err)
	}
	if _, ok, _ := a.Mount("raw"); ok {
		t.Error("Mount ok = true, want false for blob storage")
	}
}
