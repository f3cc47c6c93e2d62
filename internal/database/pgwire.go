package database

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // PostgreSQL MD5 auth is specified in terms of MD5
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// pgAuthenticate performs the PostgreSQL startup and authentication
// handshake on a raw connection, adapted from
// JeelKantaria-db-bouncer/internal/pool/pool.go's authenticatePG.
func pgAuthenticate(conn net.Conn, username, password, database string) (map[string]string, error) {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, 3<<16)
	body = append(body, ver...)

	body = append(body, "user"...)
	body = append(body, 0)
	body = append(body, username...)
	body = append(body, 0)

	body = append(body, "database"...)
	body = append(body, 0)
	body = append(body, database...)
	body = append(body, 0)

	body = append(body, 0)

	msgLen := make([]byte, 4)
	binary.BigEndian.PutUint32(msgLen, uint32(4+len(body)))
	startupMsg := append(msgLen, body...)

	if _, err := conn.Write(startupMsg); err != nil {
		return nil, fmt.Errorf("sending startup message: %w", err)
	}

	params := make(map[string]string)

	for {
		typeBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, typeBuf); err != nil {
			return nil, fmt.Errorf("reading message type: %w", err)
		}
		msgType := typeBuf[0]

		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, fmt.Errorf("reading message length: %w", err)
		}
		payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
		if payloadLen < 0 || payloadLen > 1<<24 {
			return nil, fmt.Errorf("invalid message length: %d", payloadLen)
		}

		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				return nil, fmt.Errorf("reading payload: %w", err)
			}
		}

		switch msgType {
		case 'R':
			if len(payload) < 4 {
				return nil, fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(payload[:4])
			switch authType {
			case 0:
				continue
			case 3:
				if err := pgSendPassword(conn, password); err != nil {
					return nil, err
				}
			case 5:
				if len(payload) < 8 {
					return nil, fmt.Errorf("MD5 auth message too short")
				}
				salt := payload[4:8]
				if err := pgSendPassword(conn, pgMD5Password(username, password, salt)); err != nil {
					return nil, err
				}
			case 10:
				if err := pgSCRAMSHA256(conn, username, password, payload); err != nil {
					return nil, fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return nil, fmt.Errorf("unsupported auth type: %d", authType)
			}

		case 'S':
			key, val := pgParsePair(payload)
			if key != "" {
				params[key] = val
			}

		case 'K':
			// BackendKeyData: not needed by the gateway, which never issues
			// a cancel request.

		case 'Z':
			if len(payload) >= 1 && payload[0] == 'I' {
				return params, nil
			}
			return nil, fmt.Errorf("unexpected transaction status after auth: %c", payload[0])

		case 'E':
			return nil, fmt.Errorf("backend error during auth: %s", pgParseError(payload))

		default:
			continue
		}
	}
}

// pgSimpleQuery runs one statement over an authenticated connection using
// the simple-query protocol, collecting rows into Row maps. Adapted from
// JeelKantaria-db-bouncer/internal/health/checker.go's pingPostgresViaPool
// and generalized to an arbitrary single-row-set result.
func pgSimpleQuery(conn net.Conn, sql string) ([]Row, error) {
	payload := append([]byte(sql), 0)
	msgLen := len(payload) + 4
	buf := make([]byte, 1+4+len(payload))
	buf[0] = 'Q'
	binary.BigEndian.PutUint32(buf[1:5], uint32(msgLen))
	copy(buf[5:], payload)
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("sending query: %w", err)
	}

	var columns []string
	var rows []Row

	for {
		typeBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, typeBuf); err != nil {
			return nil, fmt.Errorf("reading message type: %w", err)
		}
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, fmt.Errorf("reading message length: %w", err)
		}
		payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
		if payloadLen < 0 {
			return nil, fmt.Errorf("invalid message length")
		}
		body := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return nil, fmt.Errorf("reading payload: %w", err)
			}
		}

		switch typeBuf[0] {
		case 'T': // RowDescription
			columns = pgParseRowDescription(body)
		case 'D': // DataRow
			rows = append(rows, pgParseDataRow(body, columns))
		case 'C', 'I': // CommandComplete / EmptyQueryResponse
			// fall through to ReadyForQuery
		case 'E':
			return nil, fmt.Errorf("backend error: %s", pgParseError(body))
		case 'Z': // ReadyForQuery
			return rows, nil
		default:
			// NoticeResponse and similar are ignored.
		}
	}
}

func pgParseRowDescription(body []byte) []string {
	if len(body) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	cols := make([]string, 0, n)
	pos := 2
	for i := 0; i < n && pos < len(body); i++ {
		start := pos
		for pos < len(body) && body[pos] != 0 {
			pos++
		}
		cols = append(cols, string(body[start:pos]))
		pos++      // null terminator
		pos += 18  // tableOID(4)+colAttr(2)+typeOID(4)+typeLen(2)+typeMod(4)+format(2)
	}
	return cols
}

func pgParseDataRow(body []byte, columns []string) Row {
	row := make(Row, len(columns))
	if len(body) < 2 {
		return row
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	pos := 2
	for i := 0; i < n && pos+4 <= len(body); i++ {
		l := int(int32(binary.BigEndian.Uint32(body[pos : pos+4])))
		pos += 4
		var val interface{}
		if l < 0 {
			val = nil
		} else if pos+l <= len(body) {
			val = string(body[pos : pos+l])
			pos += l
		}
		name := fmt.Sprintf("col%d", i)
		if i < len(columns) {
			name = columns[i]
		}
		row[name] = val
	}
	return row
}

func pgSendPassword(conn net.Conn, password string) error {
	payload := append([]byte(password), 0)
	msgLen := len(payload) + 4
	buf := make([]byte, 1+4+len(payload))
	buf[0] = 'p'
	binary.BigEndian.PutUint32(buf[1:5], uint32(msgLen))
	copy(buf[5:], payload)
	_, err := conn.Write(buf)
	return err
}

func pgParsePair(data []byte) (string, string) {
	for i := 0; i < len(data); i++ {
		if data[i] == 0 {
			key := string(data[:i])
			rest := data[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == 0 {
					return key, string(rest[:j])
				}
			}
			return key, string(rest)
		}
	}
	return "", ""
}

func pgParseError(payload []byte) string {
	for i := 0; i < len(payload); i++ {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		if fieldType == 'M' {
			return string(payload[i:end])
		}
		i = end
	}
	return "unknown error"
}

// pgMD5Password computes "md5" + md5(md5(password+user)+salt).
func pgMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user)) //nolint:gosec
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...)) //nolint:gosec
	return "md5" + hex.EncodeToString(h2[:])
}

// pgSCRAMSHA256 performs the SASL SCRAM-SHA-256 exchange, adapted from
// JeelKantaria-db-bouncer/internal/pool/scram.go.
func pgSCRAMSHA256(conn net.Conn, user, password string, saslPayload []byte) error {
	mechanisms := pgParseSASLMechanisms(saslPayload[4:])
	if !pgContainsMechanism(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("server does not support SCRAM-SHA-256, offered: %v", mechanisms)
	}

	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	gs2Header := "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", pgSASLEscapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := pgSendSASLInitial(conn, "SCRAM-SHA-256", []byte(clientFirstMsg)); err != nil {
		return fmt.Errorf("sending SASL initial response: %w", err)
	}

	serverFirstMsg, err := pgReadAuthMessage(conn, 11)
	if err != nil {
		return fmt.Errorf("reading server-first-message: %w", err)
	}

	serverNonce, salt, iterations, err := pgParseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("server nonce does not start with client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := pgHMAC(saltedPassword, []byte("Client Key"))
	storedKey := pgSHA256(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof

	clientSignature := pgHMAC(storedKey, []byte(authMessage))
	clientProof := pgXOR(clientKey, clientSignature)
	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := pgSendSASLResponse(conn, []byte(clientFinalMsg)); err != nil {
		return fmt.Errorf("sending SASL response: %w", err)
	}

	serverFinalMsg, err := pgReadAuthMessage(conn, 12)
	if err != nil {
		return fmt.Errorf("reading server-final-message: %w", err)
	}

	serverKey := pgHMAC(saltedPassword, []byte("Server Key"))
	expectedServerSig := pgHMAC(serverKey, []byte(authMessage))
	expectedServerFinal := "v=" + base64.StdEncoding.EncodeToString(expectedServerSig)
	if string(serverFinalMsg) != expectedServerFinal {
		return fmt.Errorf("server signature mismatch")
	}
	return nil
}

func pgParseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func pgContainsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

func pgParseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	parts := strings.Split(msg, ",")
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func pgSASLEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func pgSendSASLInitial(conn net.Conn, mechanism string, clientFirstMsg []byte) error {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirstMsg)))
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirstMsg...)
	return pgSendPassword(conn, string(payload))
}

func pgSendSASLResponse(conn net.Conn, data []byte) error {
	msgLen := len(data) + 4
	buf := make([]byte, 1+4+len(data))
	buf[0] = 'p'
	binary.BigEndian.PutUint32(buf[1:5], uint32(msgLen))
	copy(buf[5:], data)
	_, err := conn.Write(buf)
	return err
}

func pgReadAuthMessage(conn net.Conn, expectedAuthType uint32) ([]byte, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, typeBuf); err != nil {
		return nil, fmt.Errorf("reading message type: %w", err)
	}
	if typeBuf[0] == 'E' {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, fmt.Errorf("reading error length: %w", err)
		}
		payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
		payload := make([]byte, payloadLen)
		_, _ = io.ReadFull(conn, payload)
		return nil, fmt.Errorf("backend error: %s", pgParseError(payload))
	}
	if typeBuf[0] != 'R' {
		return nil, fmt.Errorf("expected Authentication message ('R'), got '%c'", typeBuf[0])
	}
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, fmt.Errorf("reading message length: %w", err)
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if payloadLen < 4 {
		return nil, fmt.Errorf("auth message too short: %d", payloadLen)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("reading auth payload: %w", err)
	}
	authType := binary.BigEndian.Uint32(payload[:4])
	if authType != expectedAuthType {
		return nil, fmt.Errorf("expected auth type %d, got %d", expectedAuthType, authType)
	}
	return payload[4:], nil
}

func pgHMAC(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func pgSHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func pgXOR(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
