package password

import "testing"

func BenchmarkHash_Default(b *testing.B) {
	c := NewCodec(DefaultParams(), DefaultPolicy())

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := c.Hash("benchmark password 123!"); err != nil {
			b.Fatalf("Hash error: %v", err)
		}
	}
}

func BenchmarkVerify_Default(b *testing.B) {
	c := NewCodec(DefaultParams(), DefaultPolicy())
	h, err := c.Hash("benchmark password 123!")
	if err != nil {
		b.Fatalf("Hash error: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Verify(h, "benchmark password 123!"); err != nil {
			b.Fatalf("Verify error: %v", err)
		}
	}
}
