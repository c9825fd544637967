package mailbox

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// ParseRFC822 解析原始邮件为 Message，正文已解码为 UTF-8。
// ID 取自 Message-ID 头部，调用方可覆盖。
func ParseRFC822(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	headers := make(map[string]string, len(msg.Header))
	for k, v := range msg.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = DecodeHeader(v[0])
		}
	}

	root, err := parsePart(headers, msg.Body)
	if err != nil {
		return nil, err
	}

	out := &Message{
		ID:      strings.Trim(headers["message-id"], "<> "),
		Labels:  []string{LabelInbox, LabelUnread},
		Payload: root,
	}
	if date, err := msg.Header.Date(); err == nil {
		out.ReceivedAt = date.UTC()
	} else {
		out.ReceivedAt = time.Now().UTC()
	}
	return out, nil
}

func parsePart(headers map[string]string, body io.Reader) (*Part, error) {
	contentType := headers["content-type"]
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败时当作纯文本
		mediaType = "text/plain"
		params = map[string]string{}
	}

	part := &Part{MimeType: mediaType, Headers: headers}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		mr := multipart.NewReader(body, boundary)
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("parse multipart: %w", err)
			}
			childHeaders := make(map[string]string, len(p.Header))
			for k, v := range p.Header {
				if len(v) > 0 {
					childHeaders[strings.ToLower(k)] = v[0]
				}
			}
			// multipart.Reader 会自动解码 quoted-printable 并删除该头部
			child, err := parsePart(childHeaders, p)
			if err != nil {
				return nil, err
			}
			part.Parts = append(part.Parts, child)
		}
		return part, nil
	}

	decoded, err := decodeBody(body, headers["content-transfer-encoding"], params["charset"], strings.HasPrefix(mediaType, "text/"))
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	part.Body = decoded
	return part, nil
}

// decodeBody 根据编码方式解码邮件体，文本部分同时转换字符集
func decodeBody(reader io.Reader, transferEncoding, charset string, isText bool) ([]byte, error) {
	transferEncoding = strings.ToLower(strings.TrimSpace(transferEncoding))

	var decoded io.Reader = reader
	switch transferEncoding {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return nil, err
	}
	if !isText {
		return body, nil
	}
	return ConvertCharset(body, charset), nil
}

// ConvertCharset 把指定字符集的文本转换为 UTF-8，未知字符集原样返回
func ConvertCharset(body []byte, charset string) []byte {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "utf8" || charset == "us-ascii" {
		return body
	}
	enc := getCharsetEncoding(charset)
	if enc == nil {
		return body
	}
	converted, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return body
	}
	return converted
}

// getCharsetEncoding 根据字符集名称返回编码器
func getCharsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "iso-8859-1", "latin1":
		return charmap.ISO8859_1
	case "iso-8859-15", "latin9":
		return charmap.ISO8859_15
	case "windows-1252", "cp1252":
		return charmap.Windows1252
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

// DecodeHeader 解码 RFC 2047 编码的头部
func DecodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := &mime.WordDecoder{
		CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
			enc := getCharsetEncoding(strings.ToLower(charset))
			if enc == nil {
				return nil, fmt.Errorf("unsupported charset: %s", charset)
			}
			return transform.NewReader(input, enc.NewDecoder()), nil
		},
	}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
