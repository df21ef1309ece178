package lexer

import (
	"strings"

	"github.com/dcechano/clox/internal/token"
)

// Lexer converts source text into a stream of tokens on demand. It holds no
// state between tokens beyond its read position.
type Lexer struct {
	input   string
	pos     int  // current position in bytes
	readPos int  // next read position
	ch      byte // current char
	line    int
}

// New creates a lexer for the provided source text.
func New(input string) *Lexer {
	l := &Lexer{
		input: input,
		line:  1,
	}
	l.readChar()
	return l
}

// NextToken returns the next token from the input. Lexical problems are
// returned as token.Error tokens; scanning continues after them.
func (l *Lexer) NextToken() token.Token {
	for {
		l.skipWhitespace()

		if l.atEnd() {
			return l.makeToken(token.EOF, "")
		}

		if l.ch == '/' {
			if l.peekChar() == '/' {
				l.skipLineComment()
				continue
			}
			if l.peekChar() == '*' {
				l.skipBlockComment()
				continue
			}
		}

		switch l.ch {
		case '=':
			return l.oneOrTwo('=', token.Assign, token.Equal)
		case '!':
			return l.oneOrTwo('=', token.Bang, token.NotEqual)
		case '<':
			return l.oneOrTwo('=', token.Less, token.LessEqual)
		case '>':
			return l.oneOrTwo('=', token.Greater, token.GreaterEqual)
		case '+':
			return l.single(token.Plus)
		case '-':
			return l.single(token.Minus)
		case '*':
			return l.single(token.Star)
		case '/':
			return l.single(token.Slash)
		case ',':
			return l.single(token.Comma)
		case ':':
			return l.single(token.Colon)
		case '.':
			return l.single(token.Dot)
		case ';':
			return l.single(token.Semicolon)
		case '(':
			return l.single(token.LParen)
		case ')':
			return l.single(token.RParen)
		case '{':
			return l.single(token.LBrace)
		case '}':
			return l.single(token.RBrace)
		case '"':
			return l.readString()
		default:
			if isLetter(l.ch) {
				return l.readIdentifier()
			}
			if isDigit(l.ch) {
				return l.readNumber()
			}

			tok := l.makeToken(token.Error, "Unexpected character.")
			l.readChar()
			return tok
		}
	}
}

func (l *Lexer) makeToken(t token.Type, lexeme string) token.Token {
	return token.Token{
		Type:   t,
		Lexeme: lexeme,
		Line:   l.line,
	}
}

func (l *Lexer) single(t token.Type) token.Token {
	tok := l.makeToken(t, string(l.ch))
	l.readChar()
	return tok
}

func (l *Lexer) oneOrTwo(next byte, one, two token.Type) token.Token {
	if l.peekChar() == next {
		ch := l.ch
		l.readChar()
		tok := l.makeToken(two, string(ch)+string(l.ch))
		l.readChar()
		return tok
	}
	return l.single(one)
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\r' || l.ch == '\n' {
		l.readChar()
	}
}

func (l *Lexer) skipLineComment() {
	for !l.atEnd() && l.ch != '\n' {
		l.readChar()
	}
}

func (l *Lexer) skipBlockComment() {
	l.readChar() // consume '/'
	l.readChar() // consume '*'
	for {
		if l.atEnd() {
			return
		}
		if l.ch == '*' && l.peekChar() == '/' {
			l.readChar() // '*'
			l.readChar() // '/'
			return
		}
		l.readChar()
	}
}

func (l *Lexer) readIdentifier() token.Token {
	start := l.makeToken(token.Ident, "")
	begin := l.pos
	for isLetter(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	lit := l.input[begin:l.pos]
	start.Type = token.LookupIdent(lit)
	start.Lexeme = lit
	return start
}

func (l *Lexer) readNumber() token.Token {
	start := l.makeToken(token.Number, "")
	begin := l.pos
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	start.Lexeme = l.input[begin:l.pos]
	return start
}

func (l *Lexer) readString() token.Token {
	start := l.makeToken(token.String, "")
	var sb strings.Builder

	for {
		l.readChar()
		if l.atEnd() {
			return l.makeToken(token.Error, "Unterminated string.")
		}
		if l.ch == '"' {
			l.readChar()
			break
		}
		if l.ch == '\\' {
			l.readChar()
			if l.atEnd() {
				return l.makeToken(token.Error, "Unterminated string.")
			}
			switch l.ch {
			case '"', '\\':
				sb.WriteByte(l.ch)
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte('\\')
				sb.WriteByte(l.ch)
			}
			continue
		}
		sb.WriteByte(l.ch)
	}

	start.Lexeme = sb.String()
	return start
}

func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

// atEnd reports whether the input is exhausted. A NUL byte in the source is
// an ordinary character.
func (l *Lexer) atEnd() bool {
	return l.pos >= len(l.input)
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
	}
	if l.readPos >= len(l.input) {
		l.pos = len(l.input)
		l.ch = 0
		return
	}

	l.ch = l.input[l.readPos]
	l.pos = l.readPos
	l.readPos++
}
