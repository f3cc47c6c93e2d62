package database

import (
	"crypto/sha1" //nolint:gosec // MySQL native_password uses SHA-1 by spec
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// mysqlAuthenticate performs the MySQL connection phase
// (Protocol::HandshakeV10) on a raw connection, adapted from
// JeelKantaria-db-bouncer/internal/pool/pool.go's authenticateMySQL.
func mysqlAuthenticate(conn net.Conn, username, password, database string) error {
	pkt, _, err := mysqlReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading server handshake: %w", err)
	}
	if len(pkt) < 1 {
		return fmt.Errorf("empty server handshake")
	}
	if pkt[0] == 0xff {
		return fmt.Errorf("server sent error on connect")
	}

	pos := 1
	for pos < len(pkt) && pkt[pos] != 0 {
		pos++
	}
	pos++
	if pos+4 > len(pkt) {
		return fmt.Errorf("handshake packet too short")
	}
	pos += 4

	if pos+8 > len(pkt) {
		return fmt.Errorf("handshake packet too short for auth data 1")
	}
	authData := make([]byte, 0, 20)
	authData = append(authData, pkt[pos:pos+8]...)
	pos += 8
	pos++

	if pos+2 > len(pkt) {
		return fmt.Errorf("handshake packet too short for capability flags")
	}
	capLow := uint32(binary.LittleEndian.Uint16(pkt[pos : pos+2]))
	pos += 2

	if pos+3 > len(pkt) {
		return fmt.Errorf("handshake packet too short for charset/status")
	}
	pos += 3

	if pos+2 > len(pkt) {
		return fmt.Errorf("handshake packet too short for capability flags high")
	}
	capHigh := uint32(binary.LittleEndian.Uint16(pkt[pos:pos+2])) << 16
	capFlags := capLow | capHigh
	pos += 2

	var authPluginDataLen int
	if pos < len(pkt) {
		authPluginDataLen = int(pkt[pos])
		pos++
	}
	pos += 10

	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(pkt) {
		part2Len = len(pkt) - pos
	}
	if part2Len > 0 {
		part2 := pkt[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	pos += part2Len

	const clientPluginAuth = uint32(1 << 19)
	pluginName := "mysql_native_password"
	if capFlags&clientPluginAuth != 0 && pos < len(pkt) {
		end := pos
		for end < len(pkt) && pkt[end] != 0 {
			end++
		}
		pluginName = string(pkt[pos:end])
	}

	const (
		clientLongPassword     = uint32(1)
		clientConnectWithDB    = uint32(8)
		clientProtocol41       = uint32(512)
		clientSecureConnection = uint32(32768)
	)
	clientCaps := clientLongPassword | clientProtocol41 | clientSecureConnection | clientPluginAuth | clientConnectWithDB

	var authResp []byte
	switch pluginName {
	case "mysql_native_password":
		authResp = mysqlNativePasswordHash([]byte(password), authData)
	default:
		authResp = []byte{}
	}

	var resp []byte
	capBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(capBuf, clientCaps)
	resp = append(resp, capBuf...)
	resp = append(resp, 0xff, 0xff, 0xff, 0x00)
	resp = append(resp, 0x21)
	resp = append(resp, make([]byte, 23)...)
	resp = append(resp, []byte(username)...)
	resp = append(resp, 0)
	resp = append(resp, byte(len(authResp)))
	resp = append(resp, authResp...)
	resp = append(resp, []byte(database)...)
	resp = append(resp, 0)
	resp = append(resp, []byte("mysql_native_password")...)
	resp = append(resp, 0)

	if err := mysqlWritePacket(conn, resp, 1); err != nil {
		return fmt.Errorf("sending handshake response: %w", err)
	}

	pkt, _, err = mysqlReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading auth result: %w", err)
	}
	if len(pkt) < 1 {
		return fmt.Errorf("empty auth result")
	}

	switch pkt[0] {
	case 0x00:
		return nil
	case 0xfe:
		if len(pkt) < 2 {
			return fmt.Errorf("malformed AuthSwitchRequest")
		}
		nameEnd := 1
		for nameEnd < len(pkt) && pkt[nameEnd] != 0 {
			nameEnd++
		}
		switchPlugin := string(pkt[1:nameEnd])
		var switchData []byte
		if nameEnd+1 < len(pkt) {
			switchData = pkt[nameEnd+1:]
			if len(switchData) > 0 && switchData[len(switchData)-1] == 0 {
				switchData = switchData[:len(switchData)-1]
			}
		}
		var switchResp []byte
		switch switchPlugin {
		case "mysql_native_password":
			switchResp = mysqlNativePasswordHash([]byte(password), switchData)
		default:
			return fmt.Errorf("unsupported auth plugin switch: %s", switchPlugin)
		}
		if err := mysqlWritePacket(conn, switchResp, 3); err != nil {
			return fmt.Errorf("sending auth switch response: %w", err)
		}
		pkt, _, err = mysqlReadPacket(conn)
		if err != nil {
			return fmt.Errorf("reading auth switch result: %w", err)
		}
		if len(pkt) < 1 || pkt[0] != 0x00 {
			return fmt.Errorf("MySQL auth failed after plugin switch")
		}
		return nil
	case 0xff:
		return fmt.Errorf("MySQL auth failed: %s", mysqlParseError(pkt))
	default:
		return fmt.Errorf("unexpected auth response byte: 0x%02x", pkt[0])
	}
}

// mysqlQuery runs one statement over an authenticated connection using
// COM_QUERY (command byte 0x03), collecting the result set into Row maps.
func mysqlQuery(conn net.Conn, sql string) ([]Row, error) {
	payload := append([]byte{0x03}, []byte(sql)...)
	if err := mysqlWritePacket(conn, payload, 0); err != nil {
		return nil, fmt.Errorf("sending query: %w", err)
	}

	first, _, err := mysqlReadPacket(conn)
	if err != nil {
		return nil, fmt.Errorf("reading query response: %w", err)
	}
	if len(first) == 0 {
		return nil, fmt.Errorf("empty query response")
	}
	switch first[0] {
	case 0x00: // OK_Packet: no result set (e.g. a DDL/DML statement)
		return nil, nil
	case 0xff:
		return nil, fmt.Errorf("query error: %s", mysqlParseError(first))
	}

	columnCount, _ := mysqlReadLenEncInt(first)
	columns := make([]string, 0, columnCount)
	for i := int64(0); i < columnCount; i++ {
		colPkt, _, err := mysqlReadPacket(conn)
		if err != nil {
			return nil, fmt.Errorf("reading column definition: %w", err)
		}
		columns = append(columns, mysqlParseColumnName(colPkt))
	}

	// EOF (or, with CLIENT_DEPRECATE_EOF, the first row) follows.
	if _, _, err := mysqlReadPacket(conn); err != nil {
		return nil, fmt.Errorf("reading column EOF: %w", err)
	}

	var rows []Row
	for {
		pkt, _, err := mysqlReadPacket(conn)
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		if len(pkt) > 0 && (pkt[0] == 0xfe && len(pkt) < 9) {
			break // EOF_Packet
		}
		if len(pkt) > 0 && pkt[0] == 0xff {
			return nil, fmt.Errorf("row error: %s", mysqlParseError(pkt))
		}
		rows = append(rows, mysqlParseRow(pkt, columns))
	}
	return rows, nil
}

func mysqlParseColumnName(pkt []byte) string {
	// Column definition packets contain several length-encoded strings
	// (catalog, schema, table, org_table, name, ...); the 5th is "name".
	pos := 0
	for i := 0; i < 4; i++ {
		_, n := mysqlReadLenEncString(pkt[pos:])
		pos += n
	}
	name, _ := mysqlReadLenEncString(pkt[pos:])
	return name
}

func mysqlParseRow(pkt []byte, columns []string) Row {
	row := make(Row, len(columns))
	pos := 0
	for i := range columns {
		if pos >= len(pkt) {
			break
		}
		if pkt[pos] == 0xfb { // NULL
			row[columns[i]] = nil
			pos++
			continue
		}
		val, n := mysqlReadLenEncString(pkt[pos:])
		row[columns[i]] = val
		pos += n
	}
	return row
}

// mysqlReadLenEncInt reads a MySQL length-encoded integer.
func mysqlReadLenEncInt(b []byte) (int64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	switch {
	case b[0] < 0xfb:
		return int64(b[0]), 1
	case b[0] == 0xfc:
		return int64(binary.LittleEndian.Uint16(b[1:3])), 3
	case b[0] == 0xfd:
		return int64(b[1]) | int64(b[2])<<8 | int64(b[3])<<16, 4
	case b[0] == 0xfe:
		return int64(binary.LittleEndian.Uint64(b[1:9])), 9
	default:
		return 0, 1
	}
}

func mysqlReadLenEncString(b []byte) (string, int) {
	n, hdr := mysqlReadLenEncInt(b)
	start := hdr
	end := start + int(n)
	if end > len(b) {
		end = len(b)
	}
	return string(b[start:end]), end
}

// mysqlNativePasswordHash computes SHA1(password) XOR
// SHA1(authData + SHA1(SHA1(password))).
func mysqlNativePasswordHash(password, authData []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha1.Sum(password) //nolint:gosec
	h2 := sha1.Sum(h1[:])    //nolint:gosec
	h := sha1.New()          //nolint:gosec
	h.Write(authData)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	result := make([]byte, 20)
	for i := range result {
		result[i] = h1[i] ^ h3[i]
	}
	return result
}

func mysqlReadPacket(conn net.Conn) (payload []byte, seq byte, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(conn, hdr); err != nil {
		return nil, 0, err
	}
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	seq = hdr[3]
	if length == 0 {
		return []byte{}, seq, nil
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(conn, payload); err != nil {
		return nil, seq, err
	}
	return payload, seq, nil
}

func mysqlWritePacket(conn net.Conn, payload []byte, seq byte) error {
	hdr := make([]byte, 4)
	length := len(payload)
	hdr[0] = byte(length)
	hdr[1] = byte(length >> 8)
	hdr[2] = byte(length >> 16)
	hdr[3] = seq
	buf := append(hdr, payload...)
	_, err := conn.Write(buf)
	return err
}

// mysqlParseError extracts the message from an ERR_Packet:
// 0xff(1) + error_code(2) + '#'(1) + sqlstate(5) + message.
func mysqlParseError(pkt []byte) string {
	if len(pkt) < 9 {
		return "unknown error"
	}
	return string(pkt[9:])
}
