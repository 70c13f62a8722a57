package spclient

import "testing"

func TestFromStatusCodeClassification(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{200, KindUnknown},
		{401, KindUnauthorized},
		{403, KindUnauthorized},
		{404, KindNotFound},
		{429, KindRateLimited},
		{500, KindServerError},
		{503, KindServerError},
		{418, KindRequestFailed},
	}
	for _, c := range cases {
		if got := FromStatusCode(c.status); got != c.want {
			t.Errorf("FromStatusCode(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestErrorCarriesStatusCode(t *testing.T) {
	err := New(KindNotFound, 404, nil)
	if err.StatusCode != 404 {
		t.Fatalf("StatusCode = %d, want 404", err.StatusCode)
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
