package whatsapp

import (
	"context"
	"testing"
)

func TestWithDBDSNOption(t *testing.T) {
	opts := &Opts{}

	testDSN := "/var/lib/textpilot/test.db"
	WithDBDSN(testDSN)(opts)

	if opts.DBDSN != testDSN {
		t.Errorf("Expected DBDSN to be %q, got %q", testDSN, opts.DBDSN)
	}
}

func TestWithQRCodeOutputOption(t *testing.T) {
	opts := &Opts{}

	testPath := "/tmp/qr.txt"
	WithQRCodeOutput(testPath)(opts)

	if opts.QRPath != testPath {
		t.Errorf("Expected QRPath to be %q, got %q", testPath, opts.QRPath)
	}
}

func TestWithNumericCodeOption(t *testing.T) {
	opts := &Opts{}

	WithNumericCode()(opts)

	if !opts.NumericCode {
		t.Errorf("Expected NumericCode to be true, got false")
	}
}

func TestMockClient_RecordsMessages(t *testing.T) {
	mock := NewMockClient()

	if err := mock.SendMessage(context.Background(), "15551234567", "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "15551234567" || mock.SentMessages[0].Body != "hi" {
		t.Errorf("unexpected recorded message: %+v", mock.SentMessages[0])
	}
}
