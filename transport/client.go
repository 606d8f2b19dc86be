// Package transport implements the smart-HTTP collaborator spec §1
// and §6 describe: GET .../info/refs?service=git-upload-pack ref
// discovery, followed by a want/done upload-pack POST dialog whose
// response is side-band-64k framed. The packfile core never sees any
// of this — it only ever reads from the io.Reader FetchPack eventually
// hands it, per spec §6's "consumed upstream interface".
package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	ctxio "github.com/jbenet/go-context/io"

	"github.com/gitobjectstore/packclone/transport/pktline"
	"github.com/gitobjectstore/packclone/transport/sideband"
	gogitsync "github.com/gitobjectstore/packclone/utils/sync"
	"github.com/gitobjectstore/packclone/utils/trace"
)

// uploadPackService is the smart-HTTP service name for a fetch/clone
// dialog, shared between the ref-discovery URL and the upload-pack
// POST URL.
const uploadPackService = "git-upload-pack"

// Ref is one advertised reference: a 40-character hex object id and
// its full name (e.g. "refs/heads/main"). The first advertised ref is
// always a synthetic "capabilities^{}" line if the remote has no refs
// at all; Client.DiscoverRefs drops it and returns Capabilities
// separately.
type Ref struct {
	Hash string
	Name string
}

// Client performs the smart-HTTP ref discovery and upload-pack dialog
// against a single remote repository URL. Its only product for the
// core is the io.ReadCloser FetchPack returns, already demultiplexed
// to channel-1 (packfile) bytes.
type Client struct {
	// HTTP is the underlying client; defaults to http.DefaultClient
	// when nil, the same fallback the teacher's TransportOptions.Client
	// documents.
	HTTP *http.Client

	// UserAgent is sent as the User-Agent header on every request.
	UserAgent string
}

// NewClient returns a Client using http.DefaultClient.
func NewClient() *Client {
	return &Client{HTTP: http.DefaultClient, UserAgent: "packclone/1.0"}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// DiscoverRefs performs the GET .../info/refs?service=git-upload-pack
// request and parses the pkt-line ref advertisement, returning the
// remote's refs and the raw capabilities line advertised alongside the
// first ref (or the capabilities^{} sentinel on an empty repository).
func (c *Client) DiscoverRefs(ctx context.Context, repoURL string) ([]Ref, string, error) {
	url := fmt.Sprintf("%s/info/refs?service=%s", strings.TrimSuffix(repoURL, "/"), uploadPackService)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("transport: building ref discovery request: %w", err)
	}
	c.applyHeaders(req, false)

	trace.HTTP.Printf("transport: GET %s", url)
	res, err := c.httpClient().Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("transport: ref discovery request: %w", err)
	}
	defer res.Body.Close()

	if err := checkStatus(res); err != nil {
		return nil, "", err
	}

	return parseRefAdvertisement(res.Body)
}

// parseRefAdvertisement decodes the pkt-line stream: an optional
// "# service=git-upload-pack" banner line followed by a flush, then
// one ref per pkt-line (the first carries a NUL-separated
// capabilities list), terminated by a flush packet.
func parseRefAdvertisement(r io.Reader) ([]Ref, string, error) {
	s := pktline.NewScanner(r)

	if !s.Scan() {
		return nil, "", fmt.Errorf("transport: empty ref advertisement: %w", s.Err())
	}
	if bytes.HasPrefix(s.Bytes(), []byte("# service=")) {
		if !s.Scan() || !s.IsFlush() {
			return nil, "", fmt.Errorf("transport: expected flush after service banner")
		}
		if !s.Scan() {
			return nil, "", fmt.Errorf("transport: truncated ref advertisement: %w", s.Err())
		}
	}

	var refs []Ref
	var capabilities string
	first := true

	for {
		if s.IsFlush() {
			break
		}

		line := s.Bytes()
		if first {
			if nul := bytes.IndexByte(line, 0); nul >= 0 {
				capabilities = string(line[nul+1:])
				line = line[:nul]
			}
			first = false
		}

		sp := bytes.IndexByte(line, ' ')
		if sp < 0 {
			return nil, "", fmt.Errorf("transport: malformed ref line %q", line)
		}

		hash := string(line[:sp])
		name := strings.TrimRight(string(line[sp+1:]), "\n")
		if name != "capabilities^{}" {
			refs = append(refs, Ref{Hash: hash, Name: name})
		}

		if !s.Scan() {
			if s.Err() != nil {
				return nil, "", fmt.Errorf("transport: reading ref advertisement: %w", s.Err())
			}
			break
		}
	}

	return refs, capabilities, nil
}

// FetchPack performs the want/done upload-pack POST dialog and
// returns a reader of the demultiplexed channel-1 packfile bytes. The
// returned ReadCloser must be closed by the caller once the packfile
// core has consumed it (or failed), which also cancels any pending
// response-body read once ctx is done.
func (c *Client) FetchPack(ctx context.Context, repoURL string, wants []string) (io.ReadCloser, error) {
	if len(wants) == 0 {
		return nil, fmt.Errorf("transport: fetch-pack requires at least one want")
	}

	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(repoURL, "/"), uploadPackService)

	body := buildUploadPackRequest(wants)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: building upload-pack request: %w", err)
	}
	c.applyHeaders(req, true)
	req.ContentLength = int64(len(body))

	trace.HTTP.Printf("transport: POST %s (%d wants)", url, len(wants))
	res, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: upload-pack request: %w", err)
	}

	if err := checkStatus(res); err != nil {
		_ = res.Body.Close()
		return nil, err
	}

	buffered := gogitsync.GetBufioReader(res.Body)
	if err := discardAckSection(buffered); err != nil {
		gogitsync.PutBufioReader(buffered)
		_ = res.Body.Close()
		return nil, err
	}

	ctxBody := ctxio.NewReader(ctx, buffered)
	demux := sideband.NewDemuxer(sideband.Sideband64k, ctxBody)

	return struct {
		io.Reader
		io.Closer
	}{Reader: demux, Closer: closerFunc(func() error {
		gogitsync.PutBufioReader(buffered)
		return res.Body.Close()
	})}, nil
}

// closerFunc adapts a plain func() error to io.Closer, used to return
// FetchPack's pooled bufio.Reader once the caller is done with the
// packfile stream.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// buildUploadPackRequest encodes the pkt-line body of an upload-pack
// request: one "want <hash>" line per wanted ref, a flush, then
// "done\n", matching the teacher's uploadPackRequestToReader shape.
func buildUploadPackRequest(wants []string) []byte {
	var buf bytes.Buffer

	for i, w := range wants {
		line := "want " + w
		if i == 0 {
			line += " side-band-64k"
		}
		_ = pktline.WriteString(&buf, line+"\n")
	}
	_ = pktline.WriteFlush(&buf)
	_ = pktline.WriteString(&buf, "done\n")

	return buf.Bytes()
}

// discardAckSection consumes the NAK/ACK section preceding the
// packfile bytes proper in an upload-pack response, the same "skip
// until NAK" behavior the teacher's discardResponseInfo implements.
// It reads pkt-lines directly off r (rather than through a fresh
// pktline.Scanner, which would wrap r in its own buffer and silently
// drop whatever that buffer read ahead) so the packfile bytes that
// follow remain exactly where r's caller expects them.
func discardAckSection(r *bufio.Reader) error {
	for {
		peek, err := r.Peek(4)
		if err != nil {
			return err
		}
		if bytes.Equal(peek, pktline.FlushPkt) {
			if _, err := pktline.ReadPacket(r); err != nil {
				return err
			}
			continue
		}

		line, err := pktline.PeekPacket(r)
		if err != nil {
			return err
		}
		if !bytes.HasPrefix(line, []byte("NAK")) && !bytes.HasPrefix(line, []byte("ACK")) {
			// Not a negotiation line: the packfile stream starts here.
			return nil
		}

		if _, err := pktline.ReadPacket(r); err != nil {
			return err
		}
		if bytes.HasPrefix(line, []byte("NAK")) {
			return nil
		}
	}
}

func (c *Client) applyHeaders(req *http.Request, isPost bool) {
	req.Header.Set("User-Agent", c.UserAgent)
	if isPost {
		req.Header.Set("Content-Type", "application/x-git-upload-pack-request")
		req.Header.Set("Accept", "application/x-git-upload-pack-result")
		return
	}
	req.Header.Set("Accept", "*/*")
}

func checkStatus(res *http.Response) error {
	if res.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("transport: authorization required")
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("transport: unexpected status %s", res.Status)
	}
	return nil
}
