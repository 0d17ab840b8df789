package store_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/creupload/pkg/store"
	"github.com/3leaps/creupload/pkg/store/storetest"
)

func newClient(t *testing.T, srv *storetest.Server, auth store.Auth) *store.Client {
	t.Helper()
	c, err := store.New(store.Config{BaseURL: srv.URL}, auth, nil)
	require.NoError(t, err)
	return c
}

func TestUploadVariantFile_Multipart(t *testing.T) {
	srv := storetest.New(t)
	c := newClient(t, srv, store.BasicAuth{Username: "svc", Password: "pw"})

	code, err := c.UploadVariantFile(context.Background(), "P0001", "258_CH0615_2020-04-17.csv", []byte("#Position,Ref\n1:100,A\n"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)

	ups := srv.Uploads()
	require.Len(t, ups, 1)
	up := ups[0]
	assert.Equal(t, "P0001", up.PatientID)
	assert.Equal(t, "258_CH0615_2020-04-17.csv", up.FileName)
	assert.Equal(t, map[string]string{
		"patientId": "P0001",
		"refGenome": store.DefaultRefGenome,
		"fileName":  "258_CH0615_2020-04-17.csv",
	}, up.Metadata)
	assert.Equal(t, "#Position,Ref\n1:100,A\n", string(up.Content))
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("svc:pw")), up.Authorization)
}

func TestUploadVariantFile_ConflictPassthrough(t *testing.T) {
	srv := storetest.New(t)
	c := newClient(t, srv, store.BearerAuth{Token: "tok"})
	ctx := context.Background()

	code, err := c.UploadVariantFile(ctx, "P0001", "a.csv", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)

	code, err = c.UploadVariantFile(ctx, "P0001", "a.csv", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, code)

	srv.RespondWith("P0002", http.StatusInternalServerError)
	code, err = c.UploadVariantFile(ctx, "P0002", "a.csv", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, code)

	for _, up := range srv.Uploads() {
		assert.Equal(t, "Bearer tok", up.Authorization)
	}
}

func TestUploadVariantFile_RejectedLocally(t *testing.T) {
	srv := storetest.New(t)
	c, err := store.New(store.Config{BaseURL: srv.URL, MaxFileBytes: 4, RefGenome: "GRCh38"}, store.BearerAuth{Token: "t"}, nil)
	require.NoError(t, err)

	_, err = c.UploadVariantFile(context.Background(), "P1", "bad name.csv", []byte("x"))
	assert.ErrorIs(t, err, store.ErrInvalidFileName)

	_, err = c.UploadVariantFile(context.Background(), "P1", "ok.csv", []byte("too long"))
	assert.ErrorIs(t, err, store.ErrFileTooLarge)

	assert.Empty(t, srv.Uploads())

	_, err = c.UploadVariantFile(context.Background(), "P1", "ok.csv", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "GRCh38", srv.Uploads()[0].Metadata["refGenome"])
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	srv := storetest.New(t)
	resp, err := http.Get(srv.URL + "/rest/patients/fetch?eid=x")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFetchByExternalID(t *testing.T) {
	srv := storetest.New(t)
	srv.AddPatient("258_CH0615", "P0615")
	srv.AddPatient("258_DUP", "P1")
	srv.AddPatient("258_DUP", "P2")
	c := newClient(t, srv, store.BearerAuth{Token: "t"})
	ctx := context.Background()

	got, err := c.FetchByExternalID(ctx, "258_CH0615")
	require.NoError(t, err)
	assert.Equal(t, []store.Patient{{ID: "P0615", ExternalID: "258_CH0615"}}, got)

	got, err = c.FetchByExternalID(ctx, "258_NONE")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.FetchByExternalID(ctx, "258_DUP")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	assert.Equal(t, []string{"258_CH0615", "258_NONE", "258_DUP"}, srv.Lookups())
}

func TestPatientByExternalID(t *testing.T) {
	srv := storetest.New(t)
	srv.AddPatient("258_CH0615", "P0615")
	srv.AddPatient("258_DUP", "P1")
	srv.AddPatient("258_DUP", "P2")
	c := newClient(t, srv, store.BearerAuth{Token: "t"})
	ctx := context.Background()

	p, err := c.PatientByExternalID(ctx, "258_CH0615")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "P0615", p.ID)

	p, err = c.PatientByExternalID(ctx, "258_NONE")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = c.PatientByExternalID(ctx, "258_DUP")
	var se *store.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusMultipleChoices, se.StatusCode)
}

func TestDeleteVariantFile(t *testing.T) {
	srv := storetest.New(t)
	c := newClient(t, srv, store.BearerAuth{Token: "t"})
	ctx := context.Background()

	_, err := c.UploadVariantFile(ctx, "P1", "a.csv", []byte("x"))
	require.NoError(t, err)

	code, err := c.DeleteVariantFile(ctx, "P1", "a.csv")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)

	code, err = c.DeleteVariantFile(ctx, "P1", "a.csv")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, []string{"P1/a.csv", "P1/a.csv"}, srv.Deletes())
}

func TestNew_Validation(t *testing.T) {
	_, err := store.New(store.Config{BaseURL: "http://x"}, nil, nil)
	assert.ErrorIs(t, err, store.ErrNoCredentials)

	_, err = store.New(store.Config{BaseURL: "not a url"}, store.BearerAuth{Token: "t"}, nil)
	assert.Error(t, err)
}

func TestNewAuth(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("from-file\n"), 0o600))

	tests := []struct {
		name    string
		cfg     store.AuthConfig
		want    store.Auth
		wantErr error
	}{
		{name: "basic", cfg: store.AuthConfig{Method: "basic", Username: "u", Password: "p"}, want: store.BasicAuth{Username: "u", Password: "p"}},
		{name: "basic missing password", cfg: store.AuthConfig{Method: "basic", Username: "u"}, wantErr: store.ErrNoCredentials},
		{name: "bearer inline", cfg: store.AuthConfig{Method: "bearer", Token: "t"}, want: store.BearerAuth{Token: "t"}},
		{name: "auth0 alias", cfg: store.AuthConfig{Method: "Auth0", Token: "t"}, want: store.BearerAuth{Token: "t"}},
		{name: "token file wins", cfg: store.AuthConfig{Method: "bearer", Token: "inline", TokenFile: tokenFile}, want: store.BearerAuth{Token: "from-file"}},
		{name: "bearer missing token", cfg: store.AuthConfig{Method: "bearer"}, wantErr: store.ErrNoCredentials},
		{name: "no method", cfg: store.AuthConfig{}, wantErr: store.ErrNoCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.NewAuth(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := store.NewAuth(store.AuthConfig{Method: "kerberos"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown auth method"))
}
